// Package sequence classifies tag counters against the last reconciled value.
//
// A tag increments its counter once per transmission. Given the last counter
// the store accepted for a tag, a new counter is one of:
//
//	FIRST      no prior telemetry for the tag          accepted
//	ADVANCE    last+1                                  accepted
//	GAP        greater than last+1 (n increments lost) accepted, flagged
//	DUPLICATE  equal to last                           rejected
//	REGRESSED  lower than last                         rejected
//
// A regressed counter is treated as a reordered or replayed delivery, never as
// a device restart. Resetting a tag's baseline is an explicit operation on the
// state store.
package sequence

import "fmt"

// Kind is the outcome of comparing a counter to a tag's baseline.
type Kind string

const (
	// First means the tag has no prior telemetry
	First Kind = "FIRST"
	// Advance means the counter is exactly one past the baseline
	Advance Kind = "ADVANCE"
	// Duplicate means the counter equals the baseline
	Duplicate Kind = "DUPLICATE"
	// Regressed means the counter is below the baseline
	Regressed Kind = "REGRESSED"
	// Gap means one or more increments were skipped
	Gap Kind = "GAP"
)

// Result is a classification plus, for gaps, the number of missed increments.
type Result struct {
	Kind   Kind   `json:"kind"`
	Missed uint64 `json:"missed,omitempty"`
}

// Accepted reports whether the event should update tag state.
func (r Result) Accepted() bool {
	switch r.Kind {
	case First, Advance, Gap:
		return true
	default:
		return false
	}
}

// Anomaly reports whether the result should be surfaced as a sequence anomaly.
func (r Result) Anomaly() bool {
	switch r.Kind {
	case Duplicate, Regressed, Gap:
		return true
	default:
		return false
	}
}

func (r Result) String() string {
	if r.Kind == Gap {
		return fmt.Sprintf("%s(%d)", r.Kind, r.Missed)
	}
	return string(r.Kind)
}

// Classify compares next against last. known is false when the tag has no
// prior telemetry (or its baseline was explicitly reset), in which case the
// result is always First.
//
// Classify is pure; callers that act on the result must hold whatever lock
// guards the baseline for the whole read-classify-write sequence.
func Classify(last uint64, known bool, next uint64) Result {
	if !known {
		return Result{Kind: First}
	}

	switch {
	case next == last:
		return Result{Kind: Duplicate}
	case next < last:
		return Result{Kind: Regressed}
	case next == last+1:
		return Result{Kind: Advance}
	default:
		return Result{Kind: Gap, Missed: next - last - 1}
	}
}
