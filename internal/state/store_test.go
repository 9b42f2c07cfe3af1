package state

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/sequence"
)

func event(tagID string, cnt uint64) frame.TagEvent {
	return frame.TagEvent{
		TagID:      tagID,
		Counter:    cnt,
		Timestamp:  "20250616110501.456",
		ReceivedAt: time.Date(2025, 6, 16, 11, 5, 1, 0, time.UTC),
	}
}

// TestStore tests the basic store operations
func TestStore(t *testing.T) {
	t.Run("new store is empty", func(t *testing.T) {
		store := New(Options{})

		assert.Empty(t, store.List())
		assert.Equal(t, 0, store.Len())

		_, ok := store.Get("nonexistent")
		assert.False(t, ok)

		_, err := store.Lookup("nonexistent")
		assert.ErrorIs(t, err, ErrTagNotFound)
	})

	t.Run("first event creates state", func(t *testing.T) {
		store := New(Options{})

		res := store.Upsert(event("fa451f0755d8", 198))
		assert.True(t, res.Applied)
		assert.Equal(t, sequence.First, res.Result.Kind)

		ts, ok := store.Get("fa451f0755d8")
		require.True(t, ok)
		assert.Equal(t, "fa451f0755d8", ts.TagID)
		assert.Equal(t, uint64(198), ts.LastCounter)
		assert.Equal(t, "20250616110501.456", ts.LastTimestamp)
		assert.Equal(t, uint64(1), ts.UpdateCount)
		assert.False(t, ts.Registered)
		assert.Equal(t, ts, res.State)
	})

	t.Run("zero receive time uses store clock", func(t *testing.T) {
		fixed := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		store := New(Options{Now: func() time.Time { return fixed }})

		ev := event("a", 1)
		ev.ReceivedAt = time.Time{}
		store.Upsert(ev)

		ts, _ := store.Get("a")
		assert.Equal(t, fixed, ts.LastSeenAt)
	})

	t.Run("returned state is a copy", func(t *testing.T) {
		store := New(Options{})
		store.Upsert(event("a", 1))

		ts, _ := store.Get("a")
		ts.LastCounter = 999
		ts.Description = "mutated"

		again, _ := store.Get("a")
		assert.Equal(t, uint64(1), again.LastCounter)
		assert.Empty(t, again.Description)
	})
}

// TestStoreReconciliation feeds counters 5, 6, 6, 8, 7 for one tag.
func TestStoreReconciliation(t *testing.T) {
	store := New(Options{})

	want := []sequence.Result{
		{Kind: sequence.First},
		{Kind: sequence.Advance},
		{Kind: sequence.Duplicate},
		{Kind: sequence.Gap, Missed: 1},
		{Kind: sequence.Regressed},
	}
	applied := []bool{true, true, false, true, false}

	for i, cnt := range []uint64{5, 6, 6, 8, 7} {
		res := store.Upsert(event("fa451f0755d8", cnt))
		assert.Equal(t, want[i], res.Result, "event %d", i)
		assert.Equal(t, applied[i], res.Applied, "event %d", i)
	}

	ts, ok := store.Get("fa451f0755d8")
	require.True(t, ok)
	assert.Equal(t, uint64(8), ts.LastCounter)
	assert.Equal(t, uint64(3), ts.UpdateCount)
	assert.Equal(t, uint64(1), ts.Missed)

	// Only accepted events reach the recent log.
	recent := store.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(5), recent[0].Counter)
	assert.Equal(t, uint64(6), recent[1].Counter)
	assert.Equal(t, uint64(8), recent[2].Counter)
}

func TestStoreRejectedEventLeavesStateUnchanged(t *testing.T) {
	store := New(Options{})
	store.Upsert(event("a", 10))
	before, _ := store.Get("a")

	dup := event("a", 10)
	dup.Timestamp = "20250616110509.000"
	dup.ReceivedAt = dup.ReceivedAt.Add(time.Hour)
	res := store.Upsert(dup)
	assert.False(t, res.Applied)
	assert.Equal(t, before, res.State)

	res = store.Upsert(event("a", 3))
	assert.False(t, res.Applied)
	assert.Equal(t, sequence.Regressed, res.Result.Kind)

	after, _ := store.Get("a")
	assert.Equal(t, before, after)
}

func TestStoreListOrdering(t *testing.T) {
	store := New(Options{})

	for _, id := range []string{"b", "a", "c"} {
		_, err := store.RegisterDescription(id, "tag "+id)
		require.NoError(t, err)
	}

	list := store.List()
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].TagID)
	assert.Equal(t, "b", list[1].TagID)
	assert.Equal(t, "c", list[2].TagID)
}

func TestStoreRegisterDescription(t *testing.T) {
	t.Run("creates placeholder", func(t *testing.T) {
		store := New(Options{})

		created, err := store.RegisterDescription("fa451f0755d8", "forklift 3")
		require.NoError(t, err)
		assert.True(t, created)

		ts, ok := store.Get("fa451f0755d8")
		require.True(t, ok)
		assert.Equal(t, uint64(0), ts.LastCounter)
		assert.Equal(t, uint64(0), ts.UpdateCount)
		assert.Equal(t, "forklift 3", ts.Description)
		assert.True(t, ts.Registered)
		assert.True(t, ts.LastSeenAt.IsZero())
	})

	t.Run("first event after placeholder is FIRST", func(t *testing.T) {
		store := New(Options{})
		_, _ = store.RegisterDescription("a", "desc")

		res := store.Upsert(event("a", 500))
		assert.True(t, res.Applied)
		assert.Equal(t, sequence.First, res.Result.Kind)
		assert.Equal(t, uint64(0), res.State.Missed)
		assert.Equal(t, "desc", res.State.Description)
	})

	t.Run("updates existing description", func(t *testing.T) {
		store := New(Options{})
		store.Upsert(event("a", 7))

		created, err := store.RegisterDescription("a", "renamed")
		require.NoError(t, err)
		assert.False(t, created)

		ts, _ := store.Get("a")
		assert.Equal(t, "renamed", ts.Description)
		assert.Equal(t, uint64(7), ts.LastCounter)
		assert.Equal(t, uint64(1), ts.UpdateCount)

		// Registration does not reset the baseline.
		res := store.Upsert(event("a", 2))
		assert.Equal(t, sequence.Regressed, res.Result.Kind)
	})

	t.Run("rejects empty id", func(t *testing.T) {
		store := New(Options{})
		_, err := store.RegisterDescription("", "x")
		assert.ErrorIs(t, err, ErrEmptyTagID)
	})
}

func TestStoreResetBaseline(t *testing.T) {
	store := New(Options{})
	store.Upsert(event("a", 100))

	assert.ErrorIs(t, store.ResetBaseline("missing"), ErrTagNotFound)
	require.NoError(t, store.ResetBaseline("a"))

	res := store.Upsert(event("a", 1))
	assert.True(t, res.Applied)
	assert.Equal(t, sequence.First, res.Result.Kind)
	assert.Equal(t, uint64(1), res.State.LastCounter)
	assert.Equal(t, uint64(2), res.State.UpdateCount)

	res = store.Upsert(event("a", 2))
	assert.Equal(t, sequence.Advance, res.Result.Kind)
}

// TestStoreConcurrentSameTag checks that concurrent upserts for one tag lose
// no updates: UpdateCount equals the number of accepted events.
func TestStoreConcurrentSameTag(t *testing.T) {
	store := New(Options{})

	const (
		sources = 16
		perSrc  = 500
	)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted uint64
	)
	for src := 0; src < sources; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			var local uint64
			for i := 0; i < perSrc; i++ {
				// Interleaved counters so sources race on the same values.
				cnt := uint64(i*sources + src%4)
				if store.Upsert(event("shared", cnt)).Applied {
					local++
				}
			}
			mu.Lock()
			accepted += local
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	ts, ok := store.Get("shared")
	require.True(t, ok)
	assert.Equal(t, accepted, ts.UpdateCount)
	assert.Equal(t, uint64((perSrc-1)*sources+3), ts.LastCounter)
}

func TestStoreConcurrentDistinctTags(t *testing.T) {
	store := New(Options{Stripes: 8, RecentCapacity: 50})

	const (
		tags   = 64
		events = 200
	)

	var wg sync.WaitGroup
	for i := 0; i < tags; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("tag-%03d", i)
			for cnt := uint64(1); cnt <= events; cnt++ {
				store.Upsert(event(id, cnt))
			}
		}(i)
	}

	// Readers run alongside writers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = store.List()
			_, _ = store.Get("tag-000")
		}
	}()

	wg.Wait()
	<-done

	list := store.List()
	require.Len(t, list, tags)
	for _, ts := range list {
		assert.Equal(t, uint64(events), ts.LastCounter, ts.TagID)
		assert.Equal(t, uint64(events), ts.UpdateCount, ts.TagID)
	}

	stats := store.Stats()
	assert.Equal(t, tags, stats.Tags)
	assert.Equal(t, 50, stats.RecentEvents)
	assert.Equal(t, 50, stats.RecentCapacity)
	assert.Equal(t, uint64(tags*events-50), stats.RecentEvicted)
}

func TestStoreStripeLockDoesNotBlockOtherStripes(t *testing.T) {
	store := New(Options{Stripes: 8})

	held := "tag-0"
	other := ""
	for i := 1; other == ""; i++ {
		id := fmt.Sprintf("tag-%d", i)
		if store.stripeFor(id) != store.stripeFor(held) {
			other = id
		}
	}

	st := store.stripeFor(held)
	st.mu.Lock()

	blocked := make(chan UpsertResult, 1)
	go func() { blocked <- store.Upsert(event(held, 1)) }()

	// A tag in another stripe proceeds while the first stripe is held.
	free := make(chan UpsertResult, 1)
	go func() { free <- store.Upsert(event(other, 1)) }()
	select {
	case res := <-free:
		assert.True(t, res.Applied)
	case <-time.After(2 * time.Second):
		st.mu.Unlock()
		t.Fatal("upsert to an unrelated stripe waited on a held stripe lock")
	}

	select {
	case <-blocked:
		t.Fatal("upsert completed while its stripe lock was held")
	case <-time.After(20 * time.Millisecond):
	}

	st.mu.Unlock()
	select {
	case res := <-blocked:
		assert.True(t, res.Applied)
	case <-time.After(2 * time.Second):
		t.Fatal("upsert did not complete after the stripe lock was released")
	}
}

func TestStoreRecentFollowsApplyOrderForOneWriter(t *testing.T) {
	store := New(Options{RecentCapacity: 10})
	applied := []frame.TagEvent{
		event("a", 1), event("b", 7), event("a", 2), event("b", 9), event("a", 4),
	}
	for _, ev := range applied {
		require.True(t, store.Upsert(ev).Applied)
	}
	// Rejected events never reach the log.
	require.False(t, store.Upsert(event("a", 3)).Applied)

	assert.Equal(t, applied, store.Recent(0))
}

func TestStoreStats(t *testing.T) {
	store := New(Options{RecentCapacity: 10})
	_, _ = store.RegisterDescription("a", "x")
	store.Upsert(event("b", 1))
	store.Upsert(event("b", 2))

	stats := store.Stats()
	assert.Equal(t, 2, stats.Tags)
	assert.Equal(t, 1, stats.Registered)
	assert.Equal(t, 2, stats.RecentEvents)
	assert.Equal(t, 10, stats.RecentCapacity)
	assert.Equal(t, uint64(0), stats.RecentEvicted)
}

// BenchmarkStoreUpsertDistinctTags compares a single stripe, where every
// upsert serializes, with the default striping.
func BenchmarkStoreUpsertDistinctTags(b *testing.B) {
	ids := make([]string, 256)
	for i := range ids {
		ids[i] = fmt.Sprintf("tag-%d", i)
	}

	for _, stripes := range []int{1, DefaultStripes} {
		b.Run(fmt.Sprintf("stripes=%d", stripes), func(b *testing.B) {
			store := New(Options{Stripes: stripes})
			var next atomic.Uint64
			b.RunParallel(func(pb *testing.PB) {
				// Each goroutine owns its own run of ids.
				base := int(next.Add(1)) * 16
				var cnt uint64
				i := 0
				for pb.Next() {
					cnt++
					store.Upsert(event(ids[(base+i%16)%len(ids)], cnt))
					i++
				}
			})
		})
	}
}

func BenchmarkStoreUpsertSingleTag(b *testing.B) {
	store := New(Options{})
	b.RunParallel(func(pb *testing.PB) {
		var cnt uint64
		for pb.Next() {
			cnt++
			store.Upsert(event("hot", cnt))
		}
	})
}
