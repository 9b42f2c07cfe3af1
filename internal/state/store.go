package state

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/sequence"
)

// ErrTagNotFound is returned when a tag id has never been seen or registered
var ErrTagNotFound = errors.New("tag not found")

// ErrEmptyTagID is returned by operations that require a tag id
var ErrEmptyTagID = errors.New("empty tag id")

// TagState is the latest reconciled state of one tag.
// Values handed out by the Store are copies and never change afterwards.
type TagState struct {
	LastSeenAt    time.Time `json:"last_seen_at"`          // When the last accepted event was received
	TagID         string    `json:"id"`                    // Tag identifier
	LastTimestamp string    `json:"last_timestamp"`        // Tag-reported timestamp of the last accepted event
	Description   string    `json:"description,omitempty"` // Out-of-band description, if registered
	LastCounter   uint64    `json:"last_cnt"`              // Counter of the last accepted event
	UpdateCount   uint64    `json:"total_updates"`         // Number of accepted events
	Missed        uint64    `json:"missed"`                // Increments inferred lost from gaps
	Registered    bool      `json:"is_registered"`         // Registered out of band
}

// UpsertResult reports what Upsert did with an event.
type UpsertResult struct {
	State   TagState        // State after the call (unchanged if not applied)
	Result  sequence.Result // Classification of the event's counter
	Applied bool            // Whether the event updated state
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Tags           int    `json:"tags"`            // Known tags, including placeholders
	Registered     int    `json:"registered"`      // Tags registered out of band
	RecentEvents   int    `json:"recent_events"`   // Events in the recent log
	RecentCapacity int    `json:"recent_capacity"` // Fixed recent log capacity
	RecentEvicted  uint64 `json:"recent_evicted"`  // Events evicted from the recent log
}

// Options configures a Store.
type Options struct {
	Now            func() time.Time // Clock for events without a receive time
	Stripes        int              // Lock stripes; DefaultStripes when zero
	RecentCapacity int              // Recent log size; DefaultRecentCapacity when zero
}

// Store holds the latest state of every known tag.
//
// Tags are spread across lock stripes by hashing the tag id, so updates for
// different tags proceed in parallel while updates for one tag are
// serialized. The read-classify-write sequence of Upsert runs entirely under
// the owning stripe's lock. The recent log has its own lock and is never
// taken while a stripe lock is held.
type Store struct {
	stripes []*stripe
	recent  *RecentLog
	now     func() time.Time
}

// New creates an empty store.
func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		stripes: newStripes(opts.Stripes),
		recent:  NewRecentLog(opts.RecentCapacity),
		now:     now,
	}
}

func (s *Store) stripeFor(tagID string) *stripe {
	return s.stripes[stripeIndex(tagID, len(s.stripes))]
}

// Upsert reconciles ev against the tag's current state. FIRST, ADVANCE and
// GAP events replace the tag's state and are appended to the recent log;
// DUPLICATE and REGRESSED events leave everything untouched.
func (s *Store) Upsert(ev frame.TagEvent) UpsertResult {
	seenAt := ev.ReceivedAt
	if seenAt.IsZero() {
		seenAt = s.now()
	}

	st := s.stripeFor(ev.TagID)
	st.mu.Lock()

	rec, exists := st.tags[ev.TagID]
	var (
		last  uint64
		known bool
	)
	if exists {
		last, known = rec.state.LastCounter, rec.known
	}

	res := sequence.Classify(last, known, ev.Counter)
	if !res.Accepted() {
		current := rec.state
		st.mu.Unlock()
		return UpsertResult{State: current, Result: res}
	}

	if !exists {
		rec = &record{state: TagState{TagID: ev.TagID}}
		st.tags[ev.TagID] = rec
	}
	rec.known = true
	rec.state.LastCounter = ev.Counter
	rec.state.LastTimestamp = ev.Timestamp
	rec.state.LastSeenAt = seenAt
	rec.state.UpdateCount++
	rec.state.Missed += res.Missed
	updated := rec.state

	st.mu.Unlock()

	s.recent.Append(ev)
	return UpsertResult{State: updated, Result: res, Applied: true}
}

// Get returns a copy of the tag's state.
func (s *Store) Get(tagID string) (TagState, bool) {
	st := s.stripeFor(tagID)
	st.mu.RLock()
	defer st.mu.RUnlock()

	rec, exists := st.tags[tagID]
	if !exists {
		return TagState{}, false
	}
	return rec.state, true
}

// Lookup is Get with ErrTagNotFound for unknown tags.
func (s *Store) Lookup(tagID string) (TagState, error) {
	ts, ok := s.Get(tagID)
	if !ok {
		return TagState{}, ErrTagNotFound
	}
	return ts, nil
}

// List returns a copy of every known tag's state ordered by tag id.
// Stripes are copied one at a time, so the result is not a single
// point-in-time cut across tags.
func (s *Store) List() []TagState {
	var out []TagState
	for _, st := range s.stripes {
		st.mu.RLock()
		for _, rec := range st.tags {
			out = append(out, rec.state)
		}
		st.mu.RUnlock()
	}

	slices.SortFunc(out, func(a, b TagState) int {
		return strings.Compare(a.TagID, b.TagID)
	})
	if out == nil {
		out = []TagState{}
	}
	return out
}

// Len returns the number of known tags.
func (s *Store) Len() int {
	n := 0
	for _, st := range s.stripes {
		st.mu.RLock()
		n += len(st.tags)
		st.mu.RUnlock()
	}
	return n
}

// RegisterDescription attaches a description to a tag, creating a
// placeholder (counter 0, no updates) if the tag has not reported yet.
// It reports whether the tag was newly created.
func (s *Store) RegisterDescription(tagID, description string) (bool, error) {
	if tagID == "" {
		return false, ErrEmptyTagID
	}

	st := s.stripeFor(tagID)
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, exists := st.tags[tagID]
	if !exists {
		st.tags[tagID] = &record{state: TagState{
			TagID:       tagID,
			Description: description,
			Registered:  true,
		}}
		return true, nil
	}

	rec.state.Description = description
	rec.state.Registered = true
	return false, nil
}

// ResetBaseline forgets the tag's counter baseline so that its next event
// is accepted as FIRST whatever its counter. Update history is kept.
func (s *Store) ResetBaseline(tagID string) error {
	st := s.stripeFor(tagID)
	st.mu.Lock()
	defer st.mu.Unlock()

	rec, exists := st.tags[tagID]
	if !exists {
		return ErrTagNotFound
	}
	rec.known = false
	return nil
}

// Recent returns up to limit of the newest accepted events, oldest first.
//
// Events are appended after the stripe lock is released, so the log follows
// apply order for any single writer, but two writers racing on the same tag
// may be logged in the opposite order to the one in which they were applied.
// Tag state itself is always reconciled by counter.
func (s *Store) Recent(limit int) []frame.TagEvent {
	return s.recent.Snapshot(limit)
}

// Stats returns storage statistics
func (s *Store) Stats() StoreStats {
	stats := StoreStats{
		RecentEvents:   s.recent.Len(),
		RecentCapacity: s.recent.Cap(),
		RecentEvicted:  s.recent.Evicted(),
	}
	for _, st := range s.stripes {
		st.mu.RLock()
		stats.Tags += len(st.tags)
		for _, rec := range st.tags {
			if rec.state.Registered {
				stats.Registered++
			}
		}
		st.mu.RUnlock()
	}
	return stats
}
