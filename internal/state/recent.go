package state

import (
	"sync"

	"github.com/dreamware/tagtrack/internal/frame"
)

// DefaultRecentCapacity is the recent event log size used when none is configured.
const DefaultRecentCapacity = 1000

// RecentLog is a fixed-capacity ring of the most recently accepted events
// across all tags, in the order Append was called. When full, the oldest
// event is overwritten.
// Safe for concurrent use.
type RecentLog struct {
	mu      sync.RWMutex
	items   []frame.TagEvent
	head    int    // next write position
	size    int    // number of valid items
	evicted uint64 // events dropped to make room
}

// NewRecentLog creates a log holding at most capacity events.
// A non-positive capacity falls back to DefaultRecentCapacity.
func NewRecentLog(capacity int) *RecentLog {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &RecentLog{items: make([]frame.TagEvent, capacity)}
}

// Append adds ev, evicting the oldest event if the log is full.
func (l *RecentLog) Append(ev frame.TagEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items[l.head] = ev
	l.head = (l.head + 1) % len(l.items)
	if l.size < len(l.items) {
		l.size++
	} else {
		l.evicted++
	}
}

// Snapshot returns up to limit of the newest events, oldest first.
// A non-positive limit returns everything held.
func (l *RecentLog) Snapshot(limit int) []frame.TagEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]frame.TagEvent, n)
	capacity := len(l.items)
	// Oldest of the n newest events sits n slots behind head.
	start := (l.head - n + capacity) % capacity
	for i := 0; i < n; i++ {
		out[i] = l.items[(start+i)%capacity]
	}
	return out
}

// Len returns the number of events held.
func (l *RecentLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Cap returns the fixed capacity.
func (l *RecentLog) Cap() int {
	return len(l.items)
}

// Evicted returns how many events have been overwritten since creation.
func (l *RecentLog) Evicted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}
