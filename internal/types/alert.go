package types

import "time"

// Alert states
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert represents an active or resolved out-of-range alert
type Alert struct {
	ID           string            `json:"id"`
	Amplifier    int               `json:"amplifier"`
	Name         string            `json:"name"`
	Field        string            `json:"field"`
	AlertType    string            `json:"alert_type"`
	Severity     string            `json:"severity"`
	State        string            `json:"state"` // "firing" or "resolved"
	FiredAt      time.Time         `json:"fired_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
	Message      string            `json:"message"`
	RelatedState map[string]string `json:"related_state,omitempty"`
	Flapping     bool              `json:"flapping,omitempty"`
}
