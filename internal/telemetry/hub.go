package telemetry

import (
	"sort"
	"sync"

	"github.com/ampctl/ampctl/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultSubscriberBuffer = 64

// Hub fans published reports out to every subscriber and remembers the
// latest report of each amplifier so late subscribers start from a snapshot.
type Hub struct {
	logger  zerolog.Logger
	metrics metrics.Collector

	mu     sync.RWMutex
	subs   map[int]chan Report
	nextID int
	latest map[int]Report
}

// NewHub creates an empty hub. A nil collector disables metrics.
func NewHub(logger zerolog.Logger, collector metrics.Collector) *Hub {
	if collector == nil {
		collector = metrics.Noop()
	}
	return &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		metrics: collector,
		subs:    make(map[int]chan Report),
		latest:  make(map[int]Report),
	}
}

// Publish records the report as the latest for its amplifier and delivers it
// to all subscribers. It never blocks: a subscriber whose buffer is full
// misses the report.
func (h *Hub) Publish(r Report) {
	h.mu.Lock()
	h.latest[r.Index] = r
	h.mu.Unlock()

	h.metrics.IncReport(r.Index)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- r:
		default:
			h.metrics.IncDropped(r.Index)
			h.logger.Warn().
				Int("subscriber", id).
				Int("index", r.Index).
				Msg("Subscriber channel full, dropping report")
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Report, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Report, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.logger.Debug().Int("subscriber", id).Msg("Subscriber added")

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			n := len(h.subs)
			h.mu.Unlock()
			close(ch)
			h.metrics.SetSubscribers(n)
			h.logger.Debug().Int("subscriber", id).Msg("Subscriber removed")
		})
	}
	return ch, cancel
}

// Subscribers returns the number of registered subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Latest returns the most recent report of every amplifier, ordered by index.
func (h *Hub) Latest() []Report {
	h.mu.RLock()
	out := make([]Report, 0, len(h.latest))
	for _, r := range h.latest {
		out = append(out, r)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// LatestFor returns the most recent report of one amplifier.
func (h *Hub) LatestFor(index int) (Report, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.latest[index]
	return r, ok
}
