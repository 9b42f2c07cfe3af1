package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/sequence"
	"github.com/dreamware/tagtrack/internal/state"
	"github.com/dreamware/tagtrack/internal/stats"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ingest: server closed")

// Defaults applied by NewServer to zero Config fields.
const (
	DefaultAddr            = ":9999"
	DefaultIdleTimeout     = 5 * time.Minute
	DefaultReadBufferBytes = 4096
	DefaultLogRate         = 5 // rejected-line log records per second
	DefaultLogBurst        = 10
)

// Upserter is the part of the state store the server drives.
type Upserter interface {
	Upsert(ev frame.TagEvent) state.UpsertResult
}

// Config holds the ingest server settings.
type Config struct {
	Addr            string        // TCP listen address
	IdleTimeout     time.Duration // Close connections silent this long; negative disables
	MaxLineBytes    int           // Longest accepted line
	ReadBufferBytes int           // Size of each connection read
	LogRate         float64       // Rejected-line/anomaly log records per second
	LogBurst        int           // Burst allowance for LogRate
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = DefaultReadBufferBytes
	}
	if c.LogRate <= 0 {
		c.LogRate = DefaultLogRate
	}
	if c.LogBurst <= 0 {
		c.LogBurst = DefaultLogBurst
	}
	return c
}

// ConnInfo describes one live producer connection.
type ConnInfo struct {
	OpenedAt   time.Time `json:"opened_at"`
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Lines      uint64    `json:"lines"`
}

type conn struct {
	netConn  net.Conn
	openedAt time.Time
	id       string
	lines    atomic.Uint64
}

// Server accepts producer connections and feeds their lines into the store.
type Server struct {
	store      Upserter
	counters   *stats.Counters
	metrics    *Metrics
	logger     *slog.Logger
	limiter    *rate.Limiter
	now        func() time.Time
	listener   net.Listener
	conns      map[string]*conn
	cfg        Config
	suppressed atomic.Uint64 // log records dropped by the limiter
	closing    atomic.Bool
	mu         sync.Mutex // protects listener and conns
	wg         sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithClock replaces time.Now for receive timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates an ingest server writing into store and counters.
func NewServer(cfg Config, store Upserter, counters *stats.Counters, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	if counters == nil {
		counters = stats.NewCounters()
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		counters: counters,
		logger:   slog.Default().With("component", "ingest"),
		limiter:  rate.NewLimiter(rate.Limit(cfg.LogRate), cfg.LogBurst),
		now:      time.Now,
		conns:    make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("ingest listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln, one goroutine per connection. It returns
// ErrServerClosed once the server is shut down; cancelling ctx triggers a
// shutdown that does not wait for handlers. Accept errors are retried with
// backoff unless the listener itself has been closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.closeAll()
	})
	defer stop()

	s.logger.Info("ingest listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("ingest accept: %w", err)
			}
			// Anything else (EMFILE, ENFILE, ECONNABORTED, timeouts) is
			// transient: refuse for a moment, then keep accepting.
			backoff = nextBackoff(backoff)
			s.logger.Warn("accept error, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		c := &conn{
			id:       uuid.NewString(),
			netConn:  nc,
			openedAt: s.now(),
		}
		if !s.track(c) {
			nc.Close()
			return ErrServerClosed
		}
		go s.handle(c)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// track registers c as live. It fails once shutdown has begun.
func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.counters.ConnOpened()
	s.metrics.connOpened()
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.counters.ConnClosed()
	s.metrics.connClosed()
}

// handle owns c until it closes. Lines already read are processed even if
// the connection is closed underneath, so in-flight upserts always finish.
func (s *Server) handle(c *conn) {
	defer s.wg.Done()
	defer s.untrack(c)
	defer c.netConn.Close()

	logger := s.logger.With("conn", c.id, "remote", c.netConn.RemoteAddr().String())
	logger.Debug("connection opened")

	buf := make([]byte, s.cfg.ReadBufferBytes)
	lb := NewLineBuffer(s.cfg.MaxLineBytes)

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = c.netConn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, err := c.netConn.Read(buf)
		if n > 0 {
			receivedAt := s.now()
			s.counters.AddBytes(n)
			s.metrics.recordBytes(n)

			lines, oversized := lb.Feed(buf[:n])
			if oversized > 0 {
				for i := 0; i < oversized; i++ {
					s.counters.RecordOversized()
				}
				s.metrics.recordOversized(oversized)
				s.logLimited(logger, slog.LevelWarn, "dropped oversized line", "limit", s.cfg.MaxLineBytes)
			}
			for _, line := range lines {
				c.lines.Add(1)
				s.processLine(logger, line, receivedAt)
			}
		}

		if err != nil {
			s.logClose(logger, err, lb.Pending())
			return
		}
	}
}

func (s *Server) logClose(logger *slog.Logger, err error, pending int) {
	var ne net.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("connection closed by peer", "dropped_partial_bytes", pending)
	case s.closing.Load() || errors.Is(err, net.ErrClosed):
		logger.Debug("connection closed by server", "dropped_partial_bytes", pending)
	case errors.As(err, &ne) && ne.Timeout():
		logger.Info("connection idle timeout", "idle_timeout", s.cfg.IdleTimeout, "dropped_partial_bytes", pending)
	default:
		logger.Warn("connection read error", "error", err, "dropped_partial_bytes", pending)
	}
}

// processLine parses, reconciles and accounts for one line. It does no I/O.
func (s *Server) processLine(logger *slog.Logger, line string, receivedAt time.Time) {
	s.counters.AddLine()
	s.metrics.recordLine()

	ev, err := frame.ParseAt(line, receivedAt)
	if err != nil {
		reason, _ := frame.ReasonOf(err)
		s.counters.RecordParseError(reason)
		s.metrics.recordParseError(reason)
		s.logLimited(logger, slog.LevelWarn, "rejected line", "reason", reason, "line", line)
		return
	}

	start := time.Now()
	res := s.store.Upsert(ev)
	s.metrics.recordEvent(res.Result.Kind, time.Since(start).Seconds())
	s.counters.RecordEvent(res.Result)

	switch res.Result.Kind {
	case sequence.Duplicate, sequence.Regressed:
		s.logLimited(logger, slog.LevelWarn, "sequence anomaly",
			"tag_id", ev.TagID, "classification", res.Result.Kind,
			"cnt", ev.Counter, "last_cnt", res.State.LastCounter)
	case sequence.Gap:
		s.logLimited(logger, slog.LevelInfo, "sequence gap",
			"tag_id", ev.TagID, "cnt", ev.Counter, "missed", res.Result.Missed)
	}
}

// logLimited emits a record if the shared limiter allows it; otherwise it
// counts the record and reports the count with the next one that passes.
func (s *Server) logLimited(logger *slog.Logger, level slog.Level, msg string, args ...any) {
	if !s.limiter.Allow() {
		s.suppressed.Add(1)
		return
	}
	if n := s.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	logger.Log(context.Background(), level, msg, args...)
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Connections describes every live connection.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, ConnInfo{
			ID:         c.id,
			RemoteAddr: c.netConn.RemoteAddr().String(),
			OpenedAt:   c.openedAt,
			Lines:      c.lines.Load(),
		})
	}
	return out
}

// closeAll stops accepting and closes every live connection. Handlers exit
// after processing whatever they already read.
func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closing.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.netConn.Close()
	}
}

// Shutdown stops accepting connections, closes the live ones and waits for
// their handlers to finish, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("ingest stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
