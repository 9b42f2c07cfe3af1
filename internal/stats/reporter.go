// Package stats keeps the ingest counters and periodically reports them
// together with a snapshot of tag state.
package stats

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/tagtrack/internal/state"
)

// DefaultInterval is how often the reporter runs when no interval is given.
const DefaultInterval = 30 * time.Second

// TagSource supplies the tag states included in each snapshot.
type TagSource interface {
	List() []state.TagState
}

// Snapshot is one report: counter values plus per-tag update counts.
type Snapshot struct {
	TakenAt    time.Time         `json:"taken_at"`
	PerTag     map[string]uint64 `json:"per_tag"`
	Uptime     string            `json:"uptime"`
	ActiveTags int               `json:"active_tags"`
	Counts
}

// Reporter builds a Snapshot on a fixed interval and logs it.
// Thread-safe: Snapshot and Latest may be called from any goroutine.
type Reporter struct {
	counters  *Counters
	source    TagSource
	logger    *slog.Logger
	onReport  func(Snapshot)   // Optional hook invoked after each periodic report
	now       func() time.Time // Clock, replaceable in tests
	latest    atomic.Pointer[Snapshot]
	startedAt time.Time
	ctx       context.Context    // Internal context for Stop
	cancel    context.CancelFunc // Cancels ctx
	wg        sync.WaitGroup     // Tracks the Start loop
	interval  time.Duration
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger used for periodic reports.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReportFunc registers a hook called with every periodic snapshot.
func WithReportFunc(fn func(Snapshot)) Option {
	return func(r *Reporter) {
		r.onReport = fn
	}
}

// NewReporter creates a reporter over counters and source. A non-positive
// interval falls back to DefaultInterval.
//
// Example:
//
//	reporter := stats.NewReporter(30*time.Second, counters, store)
//	go reporter.Start(ctx)
//	defer reporter.Stop()
func NewReporter(interval time.Duration, counters *Counters, source TagSource, opts ...Option) *Reporter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Reporter{
		counters: counters,
		source:   source,
		interval: interval,
		logger:   slog.Default().With("component", "stats"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	return r
}

// Start runs the reporting loop in the current goroutine until ctx or the
// reporter is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	if ctx == nil {
		ctx = r.ctx
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("stats reporter started", "interval", r.interval)

	for {
		select {
		case <-ticker.C:
			r.report()
		case <-ctx.Done():
			r.logger.Debug("stats reporter stopping", "reason", "context cancelled")
			return
		case <-r.ctx.Done():
			r.logger.Debug("stats reporter stopping", "reason", "stopped")
			return
		}
	}
}

// Stop cancels the loop started by Start and waits for it to return.
func (r *Reporter) Stop() {
	r.cancel()
	r.wg.Wait()
}

// Snapshot builds a fresh snapshot from the counters and the tag source.
// Only atomic loads and the source's own short critical sections are
// involved; nothing is held while the caller formats the result.
func (r *Reporter) Snapshot() Snapshot {
	counts := r.counters.Counts()
	tags := r.source.List()

	perTag := make(map[string]uint64, len(tags))
	active := 0
	for _, ts := range tags {
		perTag[ts.TagID] = ts.UpdateCount
		if ts.UpdateCount > 0 {
			active++
		}
	}

	now := r.now()
	return Snapshot{
		Counts:     counts,
		PerTag:     perTag,
		ActiveTags: active,
		TakenAt:    now,
		Uptime:     now.Sub(r.startedAt).Truncate(time.Second).String(),
	}
}

// Latest returns the most recent periodic snapshot, or a fresh one if the
// loop has not reported yet.
func (r *Reporter) Latest() Snapshot {
	if snap := r.latest.Load(); snap != nil {
		return *snap
	}
	return r.Snapshot()
}

func (r *Reporter) report() {
	snap := r.Snapshot()
	r.latest.Store(&snap)

	r.logger.Info("ingest stats",
		"uptime", snap.Uptime,
		"lines", snap.Lines,
		"events", snap.TotalEvents,
		"accepted", snap.Accepted,
		"duplicates", snap.Duplicates,
		"regressed", snap.Regressed,
		"gaps", snap.Gaps,
		"missed", snap.Missed,
		"parse_errors", snap.ParseErrors,
		"active_connections", snap.ActiveConnections,
		"active_tags", snap.ActiveTags,
	)
	for tagID, updates := range snap.PerTag {
		r.logger.Debug("tag stats", "tag_id", tagID, "updates", updates)
	}

	if r.onReport != nil {
		r.onReport(snap)
	}
}
