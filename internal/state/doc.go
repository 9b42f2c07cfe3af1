// Package state holds the latest reconciled state of every tag and a bounded
// log of recently accepted events.
//
// # Overview
//
// The Store is the only place tag state is mutated. The ingest server hands
// it parsed events through Upsert; the HTTP layer reads through Get, List and
// Recent and registers tags out of band through RegisterDescription.
//
//	┌──────────────────┐      ┌──────────────────────────────────┐
//	│  ingest.Server   │─────▶│ Store                            │
//	│  (per conn)      │Upsert│  stripes[hash(tag) % N]          │
//	└──────────────────┘      │   ├─ RWMutex                     │
//	┌──────────────────┐      │   └─ map[tag]*record             │
//	│  api.Handler     │◀────▶│  recent RecentLog (own mutex)    │
//	└──────────────────┘ read └──────────────────────────────────┘
//
// # Reconciliation
//
// Upsert looks up the tag, classifies the incoming counter with
// sequence.Classify and, for FIRST, ADVANCE and GAP results, replaces the
// tag's state, all under the tag's stripe lock. Two events for the same tag
// can therefore never both observe the same baseline, and the final
// UpdateCount always equals the number of accepted events.
//
// Accepted events are then appended to the RecentLog. The stripe lock is
// released first; no goroutine ever holds two store locks at once.
//
// # Registration and resets
//
// RegisterDescription creates a placeholder for tags that have not reported
// yet (LastCounter 0, UpdateCount 0). Placeholders carry no baseline, so the
// tag's first real event classifies as FIRST rather than as a gap from zero.
//
// A lower counter is never taken as a device restart. ResetBaseline clears a
// tag's baseline explicitly; its next event is accepted as FIRST.
//
// # Thread Safety
//
// All Store and RecentLog methods are safe for concurrent use. Returned
// TagState values and event slices are copies.
//
// # Lifecycle
//
// A Store lives for the whole process. Tags are never deleted.
package state
