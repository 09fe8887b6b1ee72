package webui

import (
	"encoding/json"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Amplifier string    `json:"amplifier,omitempty"`
	Index     *int      `json:"index,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// LogBuffer is a thread-safe ring buffer of recent log lines. It is one of
// the writers zerolog fans out to.
type LogBuffer struct {
	entries []LogEntry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// NewLogBuffer creates a new log buffer with the specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Write implements io.Writer for capturing zerolog JSON lines
func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	entry := parseEntry(p)

	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % lb.size
	if lb.count < lb.size {
		lb.count++
	}
	return len(p), nil
}

// GetEntries returns all log entries in chronological order
func (lb *LogBuffer) GetEntries() []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	result := make([]LogEntry, lb.count)
	start := 0
	if lb.count == lb.size {
		start = lb.head
	}
	for i := 0; i < lb.count; i++ {
		result[i] = lb.entries[(start+i)%lb.size]
	}
	return result
}

// GetRecentEntries returns the most recent n entries at or above minLevel.
// An empty minLevel keeps every entry.
func (lb *LogBuffer) GetRecentEntries(n int, minLevel string) []LogEntry {
	entries := lb.GetEntries()
	if minLevel != "" {
		floor, err := zerolog.ParseLevel(minLevel)
		if err == nil {
			kept := entries[:0]
			for _, e := range entries {
				if lvl, err := zerolog.ParseLevel(e.Level); err != nil || lvl >= floor {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
	}
	if n <= 0 || len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

// Clear clears all log entries
func (lb *LogBuffer) Clear() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.head = 0
	lb.count = 0
}

// parseEntry decodes a zerolog JSON line. Lines that are not JSON are kept
// verbatim as info messages.
func parseEntry(p []byte) LogEntry {
	raw := strings.TrimRight(string(p), "\n")
	entry := LogEntry{Timestamp: time.Now(), Level: zerolog.InfoLevel.String(), Message: raw, Raw: raw}

	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return entry
	}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok && v != "" {
		entry.Level = v
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = v
	}
	if v, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.Timestamp = ts
		}
	}
	if v, ok := fields["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := fields["amplifier"].(string); ok {
		entry.Amplifier = v
	}
	if v, ok := fields["index"].(float64); ok && v == math.Trunc(v) {
		index := int(v)
		entry.Index = &index
	}
	return entry
}
