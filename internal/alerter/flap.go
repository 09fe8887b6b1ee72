package alerter

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// flapHistory is the recent fire/resolve history of one alert.
type flapHistory struct {
	changes  []time.Time
	flapping bool
}

// prune drops changes at or before cutoff and returns how many are left.
func (h *flapHistory) prune(cutoff time.Time) int {
	kept := h.changes[:0]
	for _, ts := range h.changes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	h.changes = kept
	return len(kept)
}

// FlapDetector tracks how often an amplifier field crosses its safe range
// and suppresses notifications while it keeps crossing back and forth.
type FlapDetector struct {
	log       zerolog.Logger
	threshold int
	window    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	alerts map[string]*flapHistory
}

// NewFlapDetector creates a flap detector marking an alert as flapping once
// it changed state threshold times within window. A threshold below two
// disables detection.
func NewFlapDetector(log zerolog.Logger, threshold int, window time.Duration) *FlapDetector {
	return &FlapDetector{
		log:       log.With().Str("component", "flap-detector").Logger(),
		threshold: threshold,
		window:    window,
		now:       time.Now,
		alerts:    make(map[string]*flapHistory),
	}
}

// RecordChange records a fire or resolve of the alert. It reports whether
// the alert is flapping and whether this change made it start.
func (f *FlapDetector) RecordChange(alertID string) (flapping bool, justStarted bool) {
	if f.threshold < 2 {
		return false, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	h, ok := f.alerts[alertID]
	if !ok {
		h = &flapHistory{}
		f.alerts[alertID] = h
	}
	h.prune(now.Add(-f.window))
	h.changes = append(h.changes, now)

	if len(h.changes) < f.threshold {
		return h.flapping, false
	}
	if h.flapping {
		return true, false
	}
	h.flapping = true
	f.log.Warn().
		Str("alert_id", alertID).
		Int("changes", len(h.changes)).
		Dur("window", f.window).
		Msg("Flapping detected")
	return true, true
}

// IsFlapping reports whether the alert is currently marked as flapping.
func (f *FlapDetector) IsFlapping(alertID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.alerts[alertID]
	return ok && h.flapping
}

// CheckStable clears the flapping mark of an alert that changed fewer than
// threshold times within the last window. It returns true only when the
// mark was cleared.
func (f *FlapDetector) CheckStable(alertID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	h, ok := f.alerts[alertID]
	if !ok || !h.flapping {
		return false
	}
	if h.prune(f.now().Add(-f.window)) >= f.threshold {
		return false
	}
	h.flapping = false
	f.log.Info().Str("alert_id", alertID).Msg("Flapping stopped")
	return true
}

// Cleanup forgets alerts without changes in the last window.
func (f *FlapDetector) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := f.now().Add(-f.window)
	for id, h := range f.alerts {
		if h.prune(cutoff) == 0 {
			delete(f.alerts, id)
		}
	}
}
