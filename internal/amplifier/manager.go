package amplifier

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/metrics"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/rs/zerolog"
)

// Publisher receives every report produced by the manager.
type Publisher interface {
	Publish(telemetry.Report)
}

// Backoff holds reconnect backoff configuration
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Status describes one configured amplifier.
type Status struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Health
}

// Manager keeps a connection to every configured amplifier and polls it.
type Manager struct {
	cfg       *config.Config
	publisher Publisher
	metrics   metrics.Collector
	logger    zerolog.Logger
	backoff   Backoff

	// OnDisconnect is called after an amplifier connection is lost.
	OnDisconnect func(index int)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	active   map[int]*Amplifier
	statuses []Status
}

// NewManager creates a manager for the amplifiers in cfg. A nil collector
// disables metrics.
func NewManager(cfg *config.Config, publisher Publisher, collector metrics.Collector, logger zerolog.Logger) *Manager {
	if collector == nil {
		collector = metrics.Noop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		publisher: publisher,
		metrics:   collector,
		logger:    logger.With().Str("component", "amplifiers").Logger(),
		backoff:   Backoff{Min: cfg.Global.ReconnectMin, Max: cfg.Global.ReconnectMax},
		ctx:       ctx,
		cancel:    cancel,
		active:    make(map[int]*Amplifier),
		statuses:  make([]Status, len(cfg.Amplifiers)),
	}
	if m.backoff.Min <= 0 {
		m.backoff.Min = 2 * time.Second
	}
	if m.backoff.Max < m.backoff.Min {
		m.backoff.Max = m.backoff.Min
	}
	for i, amp := range cfg.Amplifiers {
		m.statuses[i] = Status{
			Index:   i,
			Name:    amp.Name,
			Address: net.JoinHostPort(amp.Address, strconv.Itoa(cfg.AmplifierPort(i))),
		}
	}
	return m
}

// Start launches one connection loop per configured amplifier.
func (m *Manager) Start() {
	for i := range m.cfg.Amplifiers {
		m.wg.Add(1)
		go func(index int) {
			defer m.wg.Done()
			m.run(index)
		}(i)
	}
}

// run connects, polls until the connection breaks and reconnects with
// exponential backoff until the manager is closed.
func (m *Manager) run(index int) {
	status := m.status(index)
	logger := m.logger.With().
		Str("amplifier", status.Name).
		Int("index", index).
		Logger()

	attempt := 0
	for m.ctx.Err() == nil {
		dialCtx, dialCancel := context.WithTimeout(m.ctx, m.cfg.Global.ConnectionTimeout)
		amp, err := Dial(dialCtx, index, status.Address, logger)
		dialCancel()

		if err == nil {
			attempt = 0
			m.setActive(index, amp)
			logger.Info().Str("address", status.Address).Msg("Amplifier connected")

			err = amp.Poll(m.ctx, m.cfg.Global.ReportInterval, m.publisher.Publish)
			health := amp.Health()
			amp.Close()
			m.clearActive(index, health)
			if m.OnDisconnect != nil {
				m.OnDisconnect(index)
			}
			if m.ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Amplifier connection lost")
		}

		attempt++
		wait := m.backoffDuration(attempt)
		m.recordFailure(index, err)
		logger.Debug().
			Err(err).
			Dur("backoff", wait).
			Int("attempt", attempt).
			Msg("Amplifier unreachable, retrying")

		select {
		case <-time.After(wait):
		case <-m.ctx.Done():
			return
		}
	}
}

// backoffDuration calculates exponential backoff with jitter
func (m *Manager) backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return m.backoff.Min
	}
	backoff := m.backoff.Max
	if attempt < 31 {
		if b := m.backoff.Min << (attempt - 1); b > 0 && b < backoff {
			backoff = b
		}
	}
	jitter := time.Duration(rand.Int63n(int64(m.backoff.Min)/4 + 1))
	return backoff + jitter
}

func (m *Manager) status(index int) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statuses[index]
}

func (m *Manager) setActive(index int, amp *Amplifier) {
	m.mu.Lock()
	m.active[index] = amp
	s := &m.statuses[index]
	s.Connected = true
	s.ConnectedSince = amp.Health().ConnectedSince
	m.mu.Unlock()
	m.metrics.SetConnected(index, true)
}

func (m *Manager) clearActive(index int, last Health) {
	m.mu.Lock()
	delete(m.active, index)
	s := &m.statuses[index]
	s.Connected = false
	s.LastReport = last.LastReport
	s.ReportCount += last.ReportCount
	if last.LastError != "" {
		s.LastError = last.LastError
	}
	m.mu.Unlock()
	m.metrics.SetConnected(index, false)
}

func (m *Manager) recordFailure(index int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.statuses[index]
	s.Reconnects++
	if err != nil && !errors.Is(err, context.Canceled) {
		s.LastError = err.Error()
	}
}

// Get returns the connected amplifier with the given index.
func (m *Manager) Get(index int) (*Amplifier, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	amp, ok := m.active[index]
	return amp, ok
}

// ChangeOutput applies a new requested output to the amplifier with the
// given index. It reports false without error when that amplifier is not
// connected.
func (m *Manager) ChangeOutput(ctx context.Context, index int, output uint16) (bool, error) {
	amp, ok := m.Get(index)
	if !ok {
		return false, nil
	}
	if _, has := ctx.Deadline(); !has && m.cfg.Global.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*m.cfg.Global.ConnectionTimeout)
		defer cancel()
	}
	if err := amp.ChangeOutput(ctx, output); err != nil {
		return false, err
	}
	return true, nil
}

// Statuses returns the status of every configured amplifier in index order.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, len(m.statuses))
	copy(out, m.statuses)
	for index, amp := range m.active {
		h := amp.Health()
		out[index].Connected = h.Connected
		out[index].ConnectedSince = h.ConnectedSince
		out[index].LastReport = h.LastReport
		out[index].ReportCount += h.ReportCount
		if h.LastError != "" {
			out[index].LastError = h.LastError
		}
	}
	return out
}

// Close stops every connection loop and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.mu.RLock()
	for _, amp := range m.active {
		amp.Close()
	}
	m.mu.RUnlock()
	m.wg.Wait()
}
