package alerter

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/evaluator"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/ampctl/ampctl/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type sent struct {
	alert    types.Alert
	channels []string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) SendAlert(alert *types.Alert, channels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{alert: *alert, channels: channels})
	return nil
}

func (f *fakeSender) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func testConfig() *config.Config {
	return &config.Config{
		Amplifiers: []config.AmplifierConfig{{Name: "900 A", Address: "h"}, {Name: "900 B", Address: "h"}},
		Alerts: config.AlertConfig{
			Enabled:  true,
			Severity: "warning",
			Channels: map[string]config.ChannelConfig{
				"ops":   {Type: "apprise", URLEnv: "OPS"},
				"pager": {Type: "apprise", URLEnv: "PAGER"},
			},
			AlertRules: map[string]config.AlertRule{
				"default":  {Channels: []string{"ops"}},
				"critical": {Channels: []string{"ops", "pager"}},
			},
			FlapThreshold: 3,
			FlapWindow:    time.Minute,
		},
	}
}

func change(amp int, field string, firing bool) evaluator.StateChange {
	return evaluator.StateChange{
		Amplifier: amp,
		Name:      "900 A",
		Field:     field,
		AlertType: evaluator.AlertTypeOutOfRange,
		Severity:  "warning",
		Firing:    firing,
		Message:   field + " out of range",
	}
}

func TestEngineFiresAndResolves(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(testConfig(), sender, zerolog.Nop())
	defer e.Stop()

	e.ProcessStateChange(change(0, "temperature", true))
	e.ProcessStateChange(change(0, "temperature", true))

	active := e.GetActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, "0:temperature:out_of_range", active[0].ID)
	require.Equal(t, types.StateFiring, active[0].State)
	require.Len(t, sender.all(), 1)
	require.Equal(t, []string{"ops"}, sender.all()[0].channels)

	e.ProcessStateChange(change(0, "temperature", false))
	require.Empty(t, e.GetActiveAlerts())

	msgs := sender.all()
	require.Len(t, msgs, 2)
	require.Equal(t, types.StateResolved, msgs[1].alert.State)
	require.NotNil(t, msgs[1].alert.ResolvedAt)
	require.True(t, strings.HasPrefix(msgs[1].alert.Message, "Recovered"))
}

func TestEngineRoutesBySeverity(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(testConfig(), sender, zerolog.Nop())
	defer e.Stop()

	c := change(1, "input", true)
	c.Severity = "critical"
	e.ProcessStateChange(c)

	require.Equal(t, []string{"ops", "pager"}, sender.all()[0].channels)
}

func TestEngineDisabledKeepsAlertsQuiet(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.Enabled = false
	sender := &fakeSender{}
	e := NewEngine(cfg, sender, zerolog.Nop())
	defer e.Stop()

	e.ProcessStateChange(change(0, "input", true))
	require.Len(t, e.GetActiveAlerts(), 1)
	require.Empty(t, sender.all())
}

func TestEngineActiveAlertsOrdered(t *testing.T) {
	e := NewEngine(testConfig(), nil, zerolog.Nop())
	defer e.Stop()

	e.ProcessStateChange(change(1, "input", true))
	e.ProcessStateChange(change(0, "temperature", true))
	e.ProcessStateChange(change(0, "reflected", true))

	active := e.GetActiveAlerts()
	require.Len(t, active, 3)
	require.Equal(t, "0:reflected:out_of_range", active[0].ID)
	require.Equal(t, "0:temperature:out_of_range", active[1].ID)
	require.Equal(t, "1:input:out_of_range", active[2].ID)
}

func TestEngineResolveAmplifier(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(testConfig(), sender, zerolog.Nop())
	defer e.Stop()

	e.ProcessStateChange(change(0, "input", true))
	e.ProcessStateChange(change(0, "temperature", true))
	e.ProcessStateChange(change(1, "input", true))

	e.ResolveAmplifier(0, "connection lost")

	active := e.GetActiveAlerts()
	require.Len(t, active, 1)
	require.Equal(t, 1, active[0].Amplifier)

	var resolved int
	for _, s := range sender.all() {
		if s.alert.State == types.StateResolved {
			resolved++
			require.Contains(t, s.alert.Message, "connection lost")
		}
	}
	require.Equal(t, 2, resolved)
}

func TestEngineSuppressesFlapping(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(testConfig(), sender, zerolog.Nop())
	defer e.Stop()

	e.ProcessStateChange(change(0, "input", true))
	e.ProcessStateChange(change(0, "input", false))
	e.ProcessStateChange(change(0, "input", true))
	e.ProcessStateChange(change(0, "input", false))
	e.ProcessStateChange(change(0, "input", true))

	msgs := sender.all()
	require.Len(t, msgs, 3)
	require.True(t, strings.HasPrefix(msgs[2].alert.Message, "Flapping: "))

	active := e.GetActiveAlerts()
	require.Len(t, active, 1)
	require.True(t, active[0].Flapping)

	// Once the window passes without changes the still firing alert is
	// notified again.
	e.flap.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	e.checkFlapping()

	msgs = sender.all()
	require.Len(t, msgs, 4)
	require.Equal(t, types.StateFiring, msgs[3].alert.State)
	require.False(t, e.GetActiveAlerts()[0].Flapping)
}

func TestEngineEscalatesUnresolvedAlerts(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.Channels["pager"] = config.ChannelConfig{Type: "apprise", URLEnv: "PAGER", EscalationDelay: 20 * time.Millisecond}
	sender := &fakeSender{}
	e := NewEngine(cfg, sender, zerolog.Nop())
	defer e.Stop()

	c := change(0, "temperature", true)
	c.Severity = "critical"
	e.ProcessStateChange(c)

	require.Eventually(t, func() bool { return len(sender.all()) == 2 }, time.Second, 5*time.Millisecond)
	escalated := sender.all()[1]
	require.Equal(t, []string{"pager"}, escalated.channels)
	require.True(t, strings.HasPrefix(escalated.alert.Message, "Escalated: "))
}

func TestEngineResolveCancelsEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.Channels["pager"] = config.ChannelConfig{Type: "apprise", URLEnv: "PAGER", EscalationDelay: 50 * time.Millisecond}
	sender := &fakeSender{}
	e := NewEngine(cfg, sender, zerolog.Nop())
	defer e.Stop()

	c := change(0, "temperature", true)
	c.Severity = "critical"
	e.ProcessStateChange(c)
	require.Equal(t, 1, e.escalation.Pending())

	c.Firing = false
	e.ProcessStateChange(c)
	require.Equal(t, 0, e.escalation.Pending())

	time.Sleep(100 * time.Millisecond)
	require.Len(t, sender.all(), 2)
}

func TestFlapDetector(t *testing.T) {
	now := time.Unix(1000, 0)
	f := NewFlapDetector(zerolog.Nop(), 3, time.Minute)
	f.now = func() time.Time { return now }

	flapping, started := f.RecordChange("k")
	require.False(t, flapping)
	require.False(t, started)
	f.RecordChange("k")
	flapping, started = f.RecordChange("k")
	require.True(t, flapping)
	require.True(t, started)
	flapping, started = f.RecordChange("k")
	require.True(t, flapping)
	require.False(t, started)
	require.True(t, f.IsFlapping("k"))

	require.False(t, f.CheckStable("k"))
	now = now.Add(2 * time.Minute)
	require.True(t, f.CheckStable("k"))
	require.False(t, f.IsFlapping("k"))

	f.Cleanup()
	flapping, _ = f.RecordChange("k")
	require.False(t, flapping)
}

func TestFlapDetectorDisabled(t *testing.T) {
	f := NewFlapDetector(zerolog.Nop(), 0, time.Minute)
	for i := 0; i < 10; i++ {
		flapping, _ := f.RecordChange("k")
		require.False(t, flapping)
	}
}

func TestEngineWatchEvaluatesReports(t *testing.T) {
	cfg := testConfig()
	sender := &fakeSender{}
	e := NewEngine(cfg, sender, zerolog.Nop())
	defer e.Stop()

	reports := make(chan telemetry.Report, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Watch(ctx, reports, evaluator.NewEvaluator(cfg, zerolog.Nop()))
	}()

	reports <- telemetry.NewReport(1, telemetry.Number("output", 45), telemetry.Number("temperature", 91))
	require.Eventually(t, func() bool { return len(e.GetActiveAlerts()) == 1 }, time.Second, 5*time.Millisecond)
	alert := e.GetActiveAlerts()[0]
	require.Equal(t, "900 B", alert.Name)
	require.Equal(t, "temperature", alert.Field)

	reports <- telemetry.NewReport(1, telemetry.Number("output", 45), telemetry.Number("temperature", 60))
	require.Eventually(t, func() bool { return len(e.GetActiveAlerts()) == 0 }, time.Second, 5*time.Millisecond)

	close(reports)
	<-done
}
