// Package main implements tagserver, the RTLS tag telemetry service.
//
// tagserver accepts newline-delimited tag frames from any number of
// producers over TCP, reconciles each tag's counter sequence in memory and
// serves the resulting tag state over an HTTP query API.
//
// # Configuration
//
// Settings come from built-in defaults, an optional YAML file, TAGTRACK_*
// environment variables and command line flags, in that order:
//
//	tagserver --ingest-addr :9999 --http-addr :8000
//	TAGTRACK_CONFIG=/etc/tagtrack.yaml tagserver --log-format json
//
// An invalid configuration is fatal before anything listens.
//
// # Endpoints
//
//	POST /tags               register a tag description
//	GET  /tags               all tags ordered by id
//	GET  /tag/{id}           one tag
//	POST /tag/{id}/reset     restart a tag's counter baseline
//	GET  /health             liveness plus a stats snapshot
//	GET  /stats              detailed stats, tags and connections
//	GET  /events?limit=N     recently accepted events
//	GET  /metrics            Prometheus metrics
//
// # Example
//
//	./tagserver &
//	printf 'TAG,fa451f0755d8,1,20250616110501.456\n' | nc localhost 9999
//	curl localhost:8000/tag/fa451f0755d8
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/tagtrack/internal/api"
	"github.com/dreamware/tagtrack/internal/config"
	"github.com/dreamware/tagtrack/internal/ingest"
	"github.com/dreamware/tagtrack/internal/state"
	"github.com/dreamware/tagtrack/internal/stats"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := loadConfig(os.Args[1:], os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logFatal("configuration: %v", err)
		return
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		logFatal("configuration: %v", err)
		return
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		logFatal("startup: %v", err)
		return
	}
	if err := a.run(ctx); err != nil {
		logFatal("tagserver: %v", err)
	}
}

// loadConfig layers defaults, the config file, the environment and flags,
// then validates the result.
func loadConfig(args []string, lookup func(string) (string, bool)) (config.Config, error) {
	fs := pflag.NewFlagSet("tagserver", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	path, _ := fs.GetString(config.FlagConfig)
	if path == "" {
		path, _ = lookup(config.EnvConfigPath)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.ApplyFlags(fs); err != nil {
		return cfg, fmt.Errorf("flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// app is one wired tagserver process.
type app struct {
	logger   *slog.Logger
	store    *state.Store
	counters *stats.Counters
	ingest   *ingest.Server
	reporter *stats.Reporter
	httpSrv  *http.Server
	ingestLn net.Listener
	httpLn   net.Listener
	cfg      config.Config
}

// newApp builds every component and opens both listeners.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	store := state.New(state.Options{
		Stripes:        cfg.Store.Stripes,
		RecentCapacity: cfg.Store.RecentCapacity,
	})
	counters := stats.NewCounters()

	reg := prometheus.NewRegistry()
	if err := registerProcessMetrics(reg, store); err != nil {
		return nil, err
	}
	metrics, err := ingest.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	idle := cfg.Ingest.IdleTimeout
	if idle == 0 {
		idle = -1 // disabled
	}
	ingestSrv := ingest.NewServer(ingest.Config{
		Addr:            cfg.Ingest.Addr,
		IdleTimeout:     idle,
		MaxLineBytes:    cfg.Ingest.MaxLineBytes,
		ReadBufferBytes: cfg.Ingest.ReadBufferBytes,
		LogRate:         cfg.Ingest.LogRate,
		LogBurst:        cfg.Ingest.LogBurst,
	}, store, counters,
		ingest.WithLogger(logger.With("component", "ingest")),
		ingest.WithMetrics(metrics),
	)

	reporter := stats.NewReporter(cfg.Stats.Interval, counters, store,
		stats.WithLogger(logger.With("component", "stats")),
	)

	handler := api.NewHandler(store, reporter,
		api.WithConnections(ingestSrv),
		api.WithMetrics(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
		api.WithLogger(logger),
	)

	ingestLn, err := net.Listen("tcp", cfg.Ingest.Addr)
	if err != nil {
		return nil, fmt.Errorf("ingest listen %s: %w", cfg.Ingest.Addr, err)
	}
	httpLn, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		ingestLn.Close()
		return nil, fmt.Errorf("http listen %s: %w", cfg.HTTP.Addr, err)
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		counters: counters,
		ingest:   ingestSrv,
		reporter: reporter,
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		},
		ingestLn: ingestLn,
		httpLn:   httpLn,
	}, nil
}

func registerProcessMetrics(reg prometheus.Registerer, store *state.Store) error {
	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tagtrack",
			Subsystem: "store",
			Name:      "tags",
			Help:      "Number of known tags, registered placeholders included.",
		}, func() float64 { return float64(store.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "store",
			Name:      "recent_evicted_total",
			Help:      "Events evicted from the recent event log.",
		}, func() float64 { return float64(store.Stats().RecentEvicted) }),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}

// run serves until ctx is cancelled or a server fails, then shuts both
// servers down within the configured timeout.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.ingest.Serve(gctx, a.ingestLn)
		if errors.Is(err, ingest.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.logger.Info("http listening", "addr", a.httpLn.Addr().String())
		err := a.httpSrv.Serve(a.httpLn)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http serve: %w", err)
	})
	g.Go(func() error {
		a.reporter.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()

	final := a.reporter.Snapshot()
	a.logger.Info("final stats",
		"uptime", final.Uptime,
		"lines", final.Lines,
		"events", final.TotalEvents,
		"accepted", final.Accepted,
		"duplicates", final.Duplicates,
		"regressed", final.Regressed,
		"gaps", final.Gaps,
		"parse_errors", final.ParseErrors,
		"tags", len(final.PerTag),
	)
	a.logger.Info("tagserver stopped")
	return err
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	// Ingest first, so in-flight upserts land before the API goes away.
	if err := a.ingest.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("ingest shutdown: %w", err))
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(errs...)
}
