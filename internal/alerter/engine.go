package alerter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/evaluator"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/ampctl/ampctl/internal/types"
	"github.com/rs/zerolog"
)

// Sender delivers alert notifications to named channels
type Sender interface {
	SendAlert(alert *types.Alert, channels []string) error
}

// Engine manages alert lifecycle and routing
type Engine struct {
	config       *config.Config
	sender       Sender
	logger       zerolog.Logger
	flap         *FlapDetector
	escalation   *EscalationManager
	activeAlerts map[string]*types.Alert
	mu           sync.RWMutex
}

// NewEngine creates a new alert engine. A nil sender keeps alerts in memory
// only.
func NewEngine(cfg *config.Config, sender Sender, logger zerolog.Logger) *Engine {
	e := &Engine{
		config:       cfg,
		sender:       sender,
		logger:       logger.With().Str("component", "alerter").Logger(),
		activeAlerts: make(map[string]*types.Alert),
	}
	e.flap = NewFlapDetector(logger, cfg.Alerts.FlapThreshold, cfg.Alerts.FlapWindow)

	rules := make(map[string]EscalationRule)
	for name, ch := range cfg.Alerts.Channels {
		if ch.EscalationDelay > 0 {
			rules[name] = EscalationRule{Channel: name, Delay: ch.EscalationDelay}
		}
	}
	e.escalation = NewEscalationManager(logger, rules, e.escalate)
	return e
}

func alertID(amplifier int, field, alertType string) string {
	return fmt.Sprintf("%d:%s:%s", amplifier, field, alertType)
}

// ProcessStateChange fires or resolves the alert of a changed field
func (e *Engine) ProcessStateChange(change evaluator.StateChange) {
	if !change.Firing {
		e.ResolveAlert(change.Amplifier, change.Field, change.AlertType)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := alertID(change.Amplifier, change.Field, change.AlertType)

	existing, exists := e.activeAlerts[id]
	if exists && existing.State == types.StateFiring {
		e.logger.Debug().
			Str("alert_id", id).
			Msg("Alert already firing, skipping duplicate")
		return
	}

	flapping, justStarted := e.flap.RecordChange(id)

	alert := &types.Alert{
		ID:           id,
		Amplifier:    change.Amplifier,
		Name:         change.Name,
		Field:        change.Field,
		AlertType:    change.AlertType,
		Severity:     change.Severity,
		State:        types.StateFiring,
		FiredAt:      time.Now(),
		Message:      change.Message,
		RelatedState: change.RelatedState,
		Flapping:     flapping,
	}
	e.activeAlerts[id] = alert

	e.logger.Info().
		Str("alert_id", id).
		Int("index", change.Amplifier).
		Str("amplifier", change.Name).
		Str("field", change.Field).
		Str("severity", change.Severity).
		Bool("flapping", flapping).
		Msg("Alert fired")

	if flapping && !justStarted {
		return
	}
	if justStarted {
		alert.Message = "Flapping: " + alert.Message
	}

	channels := e.getChannelsForSeverity(change.Severity)
	e.notify(alert, channels)
	e.escalation.StartEscalation(*alert, channels)
}

// ResolveAlert marks an alert as resolved
func (e *Engine) ResolveAlert(amplifier int, field, alertType string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolve(alertID(amplifier, field, alertType), "")
}

// ResolveAmplifier resolves every alert of an amplifier, e.g. after its
// connection was lost and its readings are no longer current.
func (e *Engine) ResolveAmplifier(amplifier int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, alert := range e.activeAlerts {
		if alert.Amplifier == amplifier {
			e.resolve(id, reason)
		}
	}
}

func (e *Engine) resolve(id, reason string) {
	alert, exists := e.activeAlerts[id]
	if !exists || alert.State == types.StateResolved {
		return
	}

	now := time.Now()
	alert.State = types.StateResolved
	alert.ResolvedAt = &now
	duration := now.Sub(alert.FiredAt)
	e.escalation.CancelEscalation(id)

	if reason == "" {
		reason = "back in range"
	}
	alert.Message = fmt.Sprintf("Recovered (%s): %s (out of range for %s)", reason, alert.Message, duration.Round(time.Second))

	e.logger.Info().
		Str("alert_id", id).
		Int("index", alert.Amplifier).
		Str("amplifier", alert.Name).
		Dur("duration", duration).
		Msg("Alert resolved")

	flapping, _ := e.flap.RecordChange(id)
	alert.Flapping = flapping
	if flapping {
		return
	}
	e.notify(alert, e.getChannelsForSeverity(alert.Severity))
}

func (e *Engine) notify(alert *types.Alert, channels []string) {
	if e.sender == nil || !e.config.Alerts.Enabled || len(channels) == 0 {
		return
	}
	if err := e.sender.SendAlert(alert, channels); err != nil {
		e.logger.Error().
			Err(err).
			Str("alert_id", alert.ID).
			Msg("Failed to send alert notification")
	}
}

func (e *Engine) escalate(alert types.Alert, channels []string) {
	e.mu.RLock()
	current, ok := e.activeAlerts[alert.ID]
	firing := ok && current.State == types.StateFiring
	e.mu.RUnlock()
	if !firing {
		return
	}
	alert.Message = "Escalated: " + alert.Message
	e.notify(&alert, channels)
}

// getChannelsForSeverity returns notification channels for a given severity
func (e *Engine) getChannelsForSeverity(severity string) []string {
	if rule, ok := e.config.Alerts.AlertRules[severity]; ok {
		return rule.Channels
	}
	if rule, ok := e.config.Alerts.AlertRules["default"]; ok {
		return rule.Channels
	}
	return []string{}
}

// Run periodically prunes flap history and re-notifies alerts whose
// flapping stopped while still firing. It returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	interval := e.flap.window / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer e.escalation.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkFlapping()
		}
	}
}

// Watch evaluates every report received from reports and processes the
// resulting state changes until ctx is done or reports is closed.
func (e *Engine) Watch(ctx context.Context, reports <-chan telemetry.Report, eval *evaluator.Evaluator) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-reports:
			if !ok {
				return
			}
			for _, change := range eval.EvaluateReport(r) {
				e.ProcessStateChange(change)
			}
		}
	}
}

func (e *Engine) checkFlapping() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, alert := range e.activeAlerts {
		if !alert.Flapping || !e.flap.CheckStable(id) {
			continue
		}
		alert.Flapping = false
		if alert.State == types.StateFiring {
			e.notify(alert, e.getChannelsForSeverity(alert.Severity))
		}
	}
	e.flap.Cleanup()
	for id, alert := range e.activeAlerts {
		if alert.State == types.StateResolved && !e.flap.IsFlapping(id) {
			delete(e.activeAlerts, id)
		}
	}
}

// GetActiveAlerts returns all firing alerts ordered by amplifier and field
func (e *Engine) GetActiveAlerts() []*types.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	alerts := make([]*types.Alert, 0, len(e.activeAlerts))
	for _, alert := range e.activeAlerts {
		if alert.State == types.StateFiring {
			a := *alert
			alerts = append(alerts, &a)
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Amplifier != alerts[j].Amplifier {
			return alerts[i].Amplifier < alerts[j].Amplifier
		}
		return alerts[i].Field < alerts[j].Field
	})
	return alerts
}

// Stop cancels pending escalations
func (e *Engine) Stop() {
	e.escalation.Stop()
}
