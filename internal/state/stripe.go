package state

import (
	"hash/fnv"
	"sync"
)

// DefaultStripes is the number of lock stripes used when none is configured.
const DefaultStripes = 32

// stripe owns a slice of the tag id space and guards it with its own lock.
// Upserts for tags in different stripes never contend.
type stripe struct {
	mu   sync.RWMutex
	tags map[string]*record
}

// record is the mutable, store-private form of a tag's state.
type record struct {
	state TagState
	// known is false for registration placeholders and after an explicit
	// baseline reset; the next event classifies as FIRST.
	known bool
}

func newStripes(n int) []*stripe {
	if n <= 0 {
		n = DefaultStripes
	}
	stripes := make([]*stripe, n)
	for i := range stripes {
		stripes[i] = &stripe{tags: make(map[string]*record)}
	}
	return stripes
}

// stripeIndex maps a tag id onto one of n stripes using FNV-1a.
func stripeIndex(tagID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(tagID))
	return int(h.Sum32() % uint32(n))
}
