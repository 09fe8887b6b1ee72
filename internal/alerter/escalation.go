package alerter

import (
	"context"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/types"
	"github.com/rs/zerolog"
)

// EscalateFunc is called when an alert escalates to additional channels.
type EscalateFunc func(alert types.Alert, channels []string)

// EscalationRule defines when and where to escalate an unresolved alert.
type EscalationRule struct {
	Channel string
	Delay   time.Duration
}

// EscalationManager re-sends alerts that are still firing after the
// escalation delay of their channels.
type EscalationManager struct {
	log        zerolog.Logger
	rules      map[string]EscalationRule // channel name -> rule
	onEscalate EscalateFunc
	mu         sync.Mutex
	timers     map[string]context.CancelFunc // alert ID -> cancel func
}

// NewEscalationManager creates a new escalation manager.
func NewEscalationManager(log zerolog.Logger, rules map[string]EscalationRule, onEscalate EscalateFunc) *EscalationManager {
	return &EscalationManager{
		log:        log.With().Str("component", "escalation").Logger(),
		rules:      rules,
		onEscalate: onEscalate,
		timers:     make(map[string]context.CancelFunc),
	}
}

// StartEscalation arms a timer for a fired alert. Only channels with an
// escalation delay take part, and the longest delay among them is used.
func (m *EscalationManager) StartEscalation(alert types.Alert, channels []string) {
	var escalationChannels []string
	var maxDelay time.Duration

	for _, ch := range channels {
		rule, ok := m.rules[ch]
		if !ok || rule.Delay <= 0 {
			continue
		}
		escalationChannels = append(escalationChannels, ch)
		if rule.Delay > maxDelay {
			maxDelay = rule.Delay
		}
	}

	if len(escalationChannels) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := alert.ID
	if cancel, ok := m.timers[key]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.timers[key] = cancel

	m.log.Debug().
		Str("alert_id", key).
		Dur("delay", maxDelay).
		Strs("channels", escalationChannels).
		Msg("Escalation timer started")

	go func() {
		timer := time.NewTimer(maxDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		delete(m.timers, key)
		m.mu.Unlock()

		m.log.Warn().
			Str("alert_id", key).
			Strs("channels", escalationChannels).
			Msg("Escalating unresolved alert")
		if m.onEscalate != nil {
			m.onEscalate(alert, escalationChannels)
		}
	}()
}

// CancelEscalation cancels pending escalation for a resolved alert.
func (m *EscalationManager) CancelEscalation(alertID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.timers[alertID]; ok {
		cancel()
		delete(m.timers, alertID)
		m.log.Debug().Str("alert_id", alertID).Msg("Escalation cancelled")
	}
}

// Pending returns the number of armed escalation timers.
func (m *EscalationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels all pending escalation timers.
func (m *EscalationManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.timers {
		cancel()
		delete(m.timers, key)
	}
}
