package stats

import (
	"sync/atomic"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/sequence"
)

// Counters holds the ingest-wide tallies. Every field is updated with a
// single atomic operation; there is no lock.
type Counters struct {
	byReason    map[frame.Reason]*atomic.Uint64 // fixed at construction, read-only map
	lines       atomic.Uint64
	bytes       atomic.Uint64
	events      atomic.Uint64
	accepted    atomic.Uint64
	duplicates  atomic.Uint64
	regressed   atomic.Uint64
	gaps        atomic.Uint64
	missed      atomic.Uint64
	parseErrors atomic.Uint64
	oversized   atomic.Uint64
	connsTotal  atomic.Uint64
	connsActive atomic.Int64
}

// Counts is a point-in-time copy of Counters.
type Counts struct {
	ParseErrorsByReason map[frame.Reason]uint64 `json:"parse_errors_by_reason"`
	Lines               uint64                  `json:"lines"`
	Bytes               uint64                  `json:"bytes"`
	TotalEvents         uint64                  `json:"total_events"`
	Accepted            uint64                  `json:"accepted"`
	Duplicates          uint64                  `json:"duplicates"`
	Regressed           uint64                  `json:"regressed"`
	Gaps                uint64                  `json:"gaps"`
	Missed              uint64                  `json:"missed"`
	ParseErrors         uint64                  `json:"parse_errors"`
	Oversized           uint64                  `json:"oversized_lines"`
	TotalConnections    uint64                  `json:"total_connections"`
	ActiveConnections   int64                   `json:"active_connections"`
}

// NewCounters creates zeroed counters.
func NewCounters() *Counters {
	c := &Counters{byReason: make(map[frame.Reason]*atomic.Uint64, len(frame.Reasons))}
	for _, r := range frame.Reasons {
		c.byReason[r] = new(atomic.Uint64)
	}
	return c
}

// AddLine counts one complete line read from a connection.
func (c *Counters) AddLine() {
	c.lines.Add(1)
}

// AddBytes counts raw bytes read from connections.
func (c *Counters) AddBytes(n int) {
	c.bytes.Add(uint64(n))
}

// RecordEvent counts a parsed event and its classification.
func (c *Counters) RecordEvent(res sequence.Result) {
	c.events.Add(1)
	if res.Accepted() {
		c.accepted.Add(1)
	}
	switch res.Kind {
	case sequence.Duplicate:
		c.duplicates.Add(1)
	case sequence.Regressed:
		c.regressed.Add(1)
	case sequence.Gap:
		c.gaps.Add(1)
		c.missed.Add(res.Missed)
	}
}

// RecordParseError counts a rejected line.
func (c *Counters) RecordParseError(reason frame.Reason) {
	c.parseErrors.Add(1)
	if ctr, ok := c.byReason[reason]; ok {
		ctr.Add(1)
	}
}

// RecordOversized counts a line discarded for exceeding the length limit.
func (c *Counters) RecordOversized() {
	c.oversized.Add(1)
}

// ConnOpened counts a newly accepted connection.
func (c *Counters) ConnOpened() {
	c.connsTotal.Add(1)
	c.connsActive.Add(1)
}

// ConnClosed marks a connection as gone.
func (c *Counters) ConnClosed() {
	c.connsActive.Add(-1)
}

// Counts copies the current values. Individual fields are consistent;
// the set as a whole is not a single atomic cut.
func (c *Counters) Counts() Counts {
	byReason := make(map[frame.Reason]uint64, len(c.byReason))
	for r, ctr := range c.byReason {
		byReason[r] = ctr.Load()
	}
	return Counts{
		ParseErrorsByReason: byReason,
		Lines:               c.lines.Load(),
		Bytes:               c.bytes.Load(),
		TotalEvents:         c.events.Load(),
		Accepted:            c.accepted.Load(),
		Duplicates:          c.duplicates.Load(),
		Regressed:           c.regressed.Load(),
		Gaps:                c.gaps.Load(),
		Missed:              c.missed.Load(),
		ParseErrors:         c.parseErrors.Load(),
		Oversized:           c.oversized.Load(),
		TotalConnections:    c.connsTotal.Load(),
		ActiveConnections:   c.connsActive.Load(),
	}
}
