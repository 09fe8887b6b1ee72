package evaluator

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/rs/zerolog"
)

// AlertTypeOutOfRange is the alert type of every range violation.
const AlertTypeOutOfRange = "out_of_range"

// StateChange represents a field entering or leaving its safe range
type StateChange struct {
	Amplifier    int
	Name         string
	Field        string
	AlertType    string
	Severity     string
	Firing       bool
	Message      string
	RelatedState map[string]string
}

// Evaluator tracks the range state of every amplifier field across reports
type Evaluator struct {
	config     *config.Config
	logger     zerolog.Logger
	stateCache map[string]fieldState
	mu         sync.Mutex
}

type fieldState struct {
	Valid     bool
	UpdatedAt time.Time
}

// NewEvaluator creates a new range evaluator
func NewEvaluator(cfg *config.Config, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		config:     cfg,
		logger:     logger.With().Str("component", "evaluator").Logger(),
		stateCache: make(map[string]fieldState),
	}
}

// EvaluateReport checks every ruled field of the report and returns the
// fields whose range state changed. The first observation of a field only
// produces a change when it is out of range.
func (e *Evaluator) EvaluateReport(report telemetry.Report) []StateChange {
	var changes []StateChange

	for _, field := range report.Fields {
		if !HasRule(field.Name) {
			continue
		}
		value, ok := field.Float()
		if !ok {
			e.logger.Debug().
				Int("index", report.Index).
				Str("amplifier", e.amplifierName(report.Index)).
				Str("field", field.Name).
				Msg("Skipping non-numeric value")
			continue
		}
		valid, err := Validate(field.Name, value, report.Fields)
		if err != nil {
			if errors.Is(err, ErrMissingDependency) {
				e.logger.Debug().
					Err(err).
					Int("index", report.Index).
					Str("amplifier", e.amplifierName(report.Index)).
					Str("field", field.Name).
					Msg("Skipping field")
			}
			continue
		}

		cacheKey := fmt.Sprintf("%d:%s", report.Index, field.Name)
		e.mu.Lock()
		prev, seen := e.stateCache[cacheKey]
		e.stateCache[cacheKey] = fieldState{Valid: valid, UpdatedAt: time.Now()}
		e.mu.Unlock()

		if seen && prev.Valid == valid {
			continue
		}
		if !seen && valid {
			continue
		}
		changes = append(changes, e.stateChange(report, field.Name, value, valid))
	}

	return changes
}

func (e *Evaluator) stateChange(report telemetry.Report, field string, value float64, valid bool) StateChange {
	name := e.amplifierName(report.Index)
	change := StateChange{
		Amplifier: report.Index,
		Name:      name,
		Field:     field,
		AlertType: AlertTypeOutOfRange,
		Severity:  e.config.SeverityFor(field),
		Firing:    !valid,
		RelatedState: map[string]string{
			"value": strconv.FormatFloat(value, 'f', -1, 64),
			"limit": limitText(field, report),
		},
	}
	if valid {
		change.Message = fmt.Sprintf("%s %s back in range at %s", name, field, change.RelatedState["value"])
	} else {
		change.Message = fmt.Sprintf("%s %s out of range: %s (limit %s)", name, field, change.RelatedState["value"], change.RelatedState["limit"])
	}
	return change
}

func (e *Evaluator) amplifierName(index int) string {
	if index >= 0 && index < len(e.config.Amplifiers) {
		return e.config.Amplifiers[index].Name
	}
	return "amplifier " + strconv.Itoa(index)
}

// limitText describes the safe range of a field for alert messages.
func limitText(field string, report telemetry.Report) string {
	switch field {
	case "input":
		return fmt.Sprintf("%d..%d", InputMin, InputMax)
	case "temperature":
		return fmt.Sprintf("%d..%d", TemperatureMin, TemperatureMax)
	case "reflected":
		if output, ok := report.Number("output"); ok {
			return "<= " + strconv.FormatFloat(output-ReflectedMargin, 'f', -1, 64)
		}
		return fmt.Sprintf("<= output-%d", ReflectedMargin)
	}
	return ""
}

// Forget drops the cached state of an amplifier, e.g. after it disconnected.
func (e *Evaluator) Forget(index int) {
	prefix := strconv.Itoa(index) + ":"
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.stateCache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.stateCache, key)
		}
	}
}
