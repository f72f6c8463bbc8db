package audit

import (
	"context"
	"sort"
	"sync"
)

// DefaultMemoryCapacity bounds the number of events MemoryLogger keeps.
const DefaultMemoryCapacity = 10000

// MemoryLogger keeps the most recent events in a bounded in-process buffer.
// It backs the audit log when no database is configured.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	next     int
	full     bool
	capacity int
}

// NewMemoryLogger creates a MemoryLogger holding up to capacity events.
// A non-positive capacity selects DefaultMemoryCapacity.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Log records an event, evicting the oldest one when the buffer is full.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	event.Parameters = SanitizeParameters(event.Parameters)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = event
	m.next = (m.next + 1) % m.capacity
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	matched := make([]Event, 0)
	for _, e := range m.snapshot() {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Breakdown groups events by the filter's dimension.
func (m *MemoryLogger) Breakdown(_ context.Context, filter BreakdownFilter) ([]BreakdownEntry, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	window := QueryFilter{StartTime: filter.StartTime, EndTime: filter.EndTime}
	type tally struct{ total, ok int }
	counts := make(map[string]*tally)
	for _, e := range m.snapshot() {
		if !window.Matches(e) {
			continue
		}
		key := e.dimension(filter.GroupBy)
		t := counts[key]
		if t == nil {
			t = &tally{}
			counts[key] = t
		}
		t.total++
		if e.Success {
			t.ok++
		}
	}

	entries := make([]BreakdownEntry, 0, len(counts))
	for key, t := range counts {
		entries = append(entries, BreakdownEntry{
			Dimension:   key,
			Count:       t.total,
			SuccessRate: float64(t.ok) / float64(t.total),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Dimension < entries[j].Dimension
	})
	if len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

// Close is a no-op; the buffer is released with the logger.
func (*MemoryLogger) Close() error {
	return nil
}

// snapshot copies the buffered events, newest first.
func (m *MemoryLogger) snapshot() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = m.capacity
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (m.next - i + m.capacity) % m.capacity
		out = append(out, m.events[idx])
	}
	return out
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
