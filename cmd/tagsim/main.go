// Package main implements tagsim, a load generator that emits tag frames
// the way RTLS tags do.
//
// Each simulated tag runs on its own goroutine and sends
//
//	TAG,<tag_id>,<cnt>,<YYYYMMDDHHMMSS.fff>
//
// at its interval plus jitter. The counter normally advances by one, but
// with probability --skip-prob it jumps by two to four, which exercises the
// server's gap accounting.
//
// Usage:
//
//	tagsim                                  # three demo tags to localhost:9999
//	tagsim --method stdout --count 5        # print five frames per tag
//	tagsim --random 50 --interval 200ms     # add 50 random tags
//	tagsim --api http://localhost:8000      # register descriptions first
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tagtrack/internal/client"
	"github.com/dreamware/tagtrack/internal/frame"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	method   string
	addr     string
	file     string
	apiURL   string
	random   int
	interval time.Duration
	jitter   time.Duration
	skipProb float64
	count    int
	seed     uint64
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("tagsim", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.method, "method", "socket", "output method: socket, stdout or file")
	fs.StringVar(&o.addr, "addr", "localhost:9999", "tagserver ingest address for --method socket")
	fs.StringVar(&o.file, "file", "tag_data.log", "output path for --method file")
	fs.StringVar(&o.apiURL, "api", "", "register tag descriptions at this API base URL before sending")
	fs.IntVar(&o.random, "random", 0, "number of extra tags with random ids")
	fs.DurationVar(&o.interval, "interval", time.Second, "send interval for random tags")
	fs.DurationVar(&o.jitter, "jitter", 100*time.Millisecond, "maximum +/- jitter added to every interval")
	fs.Float64Var(&o.skipProb, "skip-prob", 0.1, "probability that a counter skips ahead")
	fs.IntVar(&o.count, "count", 0, "frames per tag before stopping (0 runs until interrupted)")
	fs.Uint64Var(&o.seed, "seed", 0, "random seed (0 picks one)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}

	switch o.method {
	case "socket", "stdout", "file":
	default:
		return o, fmt.Errorf("--method must be socket, stdout or file, got %q", o.method)
	}
	if o.skipProb < 0 || o.skipProb > 1 {
		return o, fmt.Errorf("--skip-prob must be within [0, 1], got %g", o.skipProb)
	}
	if o.interval <= 0 {
		return o, fmt.Errorf("--interval must be positive, got %s", o.interval)
	}
	if o.jitter < 0 || o.jitter >= o.interval {
		return o, fmt.Errorf("--jitter must be within [0, interval), got %s", o.jitter)
	}
	if o.random < 0 || o.count < 0 {
		return o, errors.New("--random and --count must not be negative")
	}
	if o.seed == 0 {
		o.seed = uint64(time.Now().UnixNano())
	}
	return o, nil
}

// simTag is one simulated tag.
type simTag struct {
	ID          string
	Description string
	Counter     uint64 // last counter sent
	Interval    time.Duration
}

func defaultTags() []simTag {
	return []simTag{
		{ID: "fa451f0755d8", Counter: 100, Interval: time.Second, Description: "Helmet Tag Worker A"},
		{ID: "ab123c4567ef", Counter: 200, Interval: 1500 * time.Millisecond, Description: "Safety Vest Tag Worker B"},
		{ID: "12def890abcd", Counter: 150, Interval: 2 * time.Second, Description: "Tool Tag Station 1"},
	}
}

// randomTags returns n tags with 12 hex digit ids.
func randomTags(n int, interval time.Duration) []simTag {
	tags := make([]simTag, n)
	for i := range tags {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		tags[i] = simTag{
			ID:          id,
			Interval:    interval,
			Description: fmt.Sprintf("Simulated tag %d", i+1),
		}
	}
	return tags
}

// generator produces successive frames for one tag.
type generator struct {
	rnd      *rand.Rand
	now      func() time.Time
	tag      simTag
	skipProb float64
}

func newGenerator(tag simTag, skipProb float64, seed uint64) *generator {
	return &generator{
		tag:      tag,
		skipProb: skipProb,
		rnd:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:      time.Now,
	}
}

// next advances the counter and returns the frame, without a terminator.
func (g *generator) next() string {
	g.tag.Counter++
	if g.skipProb > 0 && g.rnd.Float64() < g.skipProb {
		g.tag.Counter += uint64(g.rnd.IntN(3) + 1)
	}
	return frame.Format(g.tag.ID, g.tag.Counter, frame.FormatTime(g.now()))
}

// delay is the tag interval plus uniform jitter in [-jitter, jitter].
func (g *generator) delay(jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return g.tag.Interval
	}
	return g.tag.Interval + time.Duration(g.rnd.Int64N(int64(2*jitter)+1)) - jitter
}

// lineWriter serializes whole lines from many goroutines onto one writer.
type lineWriter struct {
	w  io.Writer
	mu sync.Mutex
}

func (lw *lineWriter) writeLine(line string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := io.WriteString(lw.w, line+"\n")
	return err
}

// simulate runs one goroutine per tag until ctx is done, every tag has sent
// count frames (when count > 0), or a write fails.
func simulate(ctx context.Context, tags []simTag, o options, w io.Writer, logger *slog.Logger) error {
	lw := &lineWriter{w: w}
	g, gctx := errgroup.WithContext(ctx)

	for i, tag := range tags {
		gen := newGenerator(tag, o.skipProb, o.seed+uint64(i))
		g.Go(func() error {
			timer := time.NewTimer(0)
			defer timer.Stop()

			for sent := 0; o.count == 0 || sent < o.count; sent++ {
				select {
				case <-gctx.Done():
					return nil
				case <-timer.C:
				}
				if err := lw.writeLine(gen.next()); err != nil {
					return fmt.Errorf("tag %s: %w", gen.tag.ID, err)
				}
				timer.Reset(gen.delay(o.jitter))
			}
			return nil
		})
		logger.Info("simulating tag", "tag_id", tag.ID, "interval", tag.Interval)
	}
	return g.Wait()
}

func openOutput(ctx context.Context, o options, stdout io.Writer) (io.Writer, func() error, error) {
	switch o.method {
	case "stdout":
		return stdout, func() error { return nil }, nil
	case "file":
		f, err := os.Create(o.file)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", o.addr)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to %s: %w", o.addr, err)
		}
		return conn, conn.Close, nil
	}
}

func registerTags(ctx context.Context, apiURL string, tags []simTag, logger *slog.Logger) error {
	c := client.New(apiURL)
	for _, tag := range tags {
		resp, err := c.Register(ctx, tag.ID, tag.Description)
		if err != nil {
			return fmt.Errorf("registering %s: %w", tag.ID, err)
		}
		logger.Info("registered tag", "tag_id", resp.TagID, "new", resp.IsNew)
	}
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil)).With("component", "tagsim")

	tags := append(defaultTags(), randomTags(o.random, o.interval)...)

	if o.apiURL != "" {
		if err := registerTags(ctx, o.apiURL, tags, logger); err != nil {
			return err
		}
	}

	w, closeOutput, err := openOutput(ctx, o, stdout)
	if err != nil {
		return err
	}
	defer closeOutput()
	logger.Info("tagsim started", "method", o.method, "tags", len(tags))

	err = simulate(ctx, tags, o, w, logger)
	logger.Info("tagsim stopped")
	return err
}
