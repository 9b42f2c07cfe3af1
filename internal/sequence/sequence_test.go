package sequence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		last     uint64
		known    bool
		next     uint64
		want     Result
		accepted bool
	}{
		{"no prior state", 0, false, 5, Result{Kind: First}, true},
		{"no prior state ignores last", 99, false, 1, Result{Kind: First}, true},
		{"advance", 5, true, 6, Result{Kind: Advance}, true},
		{"advance from zero", 0, true, 1, Result{Kind: Advance}, true},
		{"duplicate", 6, true, 6, Result{Kind: Duplicate}, false},
		{"gap of one", 6, true, 8, Result{Kind: Gap, Missed: 1}, true},
		{"gap of many", 10, true, 1010, Result{Kind: Gap, Missed: 999}, true},
		{"regressed", 8, true, 7, Result{Kind: Regressed}, false},
		{"regressed to zero", 8, true, 0, Result{Kind: Regressed}, false},
		{"advance at uint64 max", math.MaxUint64 - 1, true, math.MaxUint64, Result{Kind: Advance}, true},
		{"duplicate at uint64 max", math.MaxUint64, true, math.MaxUint64, Result{Kind: Duplicate}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.last, tt.known, tt.next)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.accepted, got.Accepted())
		})
	}
}

// TestClassifySequence walks the counters 5, 6, 6, 8, 7 from no prior state.
func TestClassifySequence(t *testing.T) {
	var (
		last    uint64
		known   bool
		applied int
	)
	want := []Result{
		{Kind: First},
		{Kind: Advance},
		{Kind: Duplicate},
		{Kind: Gap, Missed: 1},
		{Kind: Regressed},
	}

	for i, cnt := range []uint64{5, 6, 6, 8, 7} {
		got := Classify(last, known, cnt)
		assert.Equal(t, want[i], got, "event %d (cnt=%d)", i, cnt)
		if got.Accepted() {
			last, known = cnt, true
			applied++
		}
	}

	assert.Equal(t, uint64(8), last)
	assert.Equal(t, 3, applied)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "GAP(3)", Result{Kind: Gap, Missed: 3}.String())
	assert.Equal(t, "ADVANCE", Result{Kind: Advance}.String())
}

func TestResultAnomaly(t *testing.T) {
	assert.False(t, Result{Kind: First}.Anomaly())
	assert.False(t, Result{Kind: Advance}.Anomaly())
	assert.True(t, Result{Kind: Duplicate}.Anomaly())
	assert.True(t, Result{Kind: Regressed}.Anomaly())
	assert.True(t, Result{Kind: Gap, Missed: 1}.Anomaly())
}
