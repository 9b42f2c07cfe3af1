// Package config loads tagtrack settings.
//
// Values are layered, later layers winning:
//
//  1. built-in defaults (Default)
//  2. an optional YAML file (--config or TAGTRACK_CONFIG)
//  3. TAGTRACK_* environment variables
//  4. command line flags that were explicitly set
//
// Validate is run once on the final result; an invalid configuration is
// fatal at startup, before any listener is opened.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "TAGTRACK_CONFIG"

// Config is the complete tagserver configuration.
type Config struct {
	// Ingest configures the TCP telemetry listener.
	Ingest IngestConfig `yaml:"ingest"`

	// Store configures the in-memory tag state store.
	Store StoreConfig `yaml:"store"`

	// Stats configures the periodic stats reporter.
	Stats StatsConfig `yaml:"stats"`

	// HTTP configures the query API.
	HTTP HTTPConfig `yaml:"http"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// IngestConfig configures the TCP telemetry listener.
type IngestConfig struct {
	// Addr is the TCP listen address for producers.
	// Default: ":9999"
	Addr string `yaml:"addr"`

	// IdleTimeout closes connections that send nothing for this long.
	// Zero disables the timeout. Default: 5m
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLineBytes is the longest accepted line. Default: 4096
	MaxLineBytes int `yaml:"max_line_bytes"`

	// ReadBufferBytes is the size of each socket read. Default: 4096
	ReadBufferBytes int `yaml:"read_buffer_bytes"`

	// LogRate limits rejected-line and anomaly log records per second.
	// Default: 5
	LogRate float64 `yaml:"log_rate"`

	// LogBurst is the burst allowance for LogRate. Default: 10
	LogBurst int `yaml:"log_burst"`
}

// StoreConfig configures the tag state store.
type StoreConfig struct {
	// RecentCapacity is the fixed size of the recent event log. Default: 1000
	RecentCapacity int `yaml:"recent_capacity"`

	// Stripes is the number of lock stripes. Default: 32
	Stripes int `yaml:"stripes"`
}

// StatsConfig configures the stats reporter.
type StatsConfig struct {
	// Interval between periodic reports. Default: 30s
	Interval time.Duration `yaml:"interval"`
}

// HTTPConfig configures the query API server.
type HTTPConfig struct {
	// Addr is the HTTP listen address. Default: ":8000"
	Addr string `yaml:"addr"`

	// ReadHeaderTimeout bounds request header reads. Default: 5s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// ShutdownTimeout bounds graceful shutdown of both servers. Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Ingest: IngestConfig{
			Addr:            ":9999",
			IdleTimeout:     5 * time.Minute,
			MaxLineBytes:    4096,
			ReadBufferBytes: 4096,
			LogRate:         5,
			LogBurst:        10,
		},
		Store: StoreConfig{
			RecentCapacity: 1000,
			Stripes:        32,
		},
		Stats: StatsConfig{
			Interval: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:              ":8000",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg. Keys absent from data keep cfg's values;
// unknown keys are an error.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides cfg from TAGTRACK_* variables found through lookup
// (normally os.LookupEnv).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("TAGTRACK_INGEST_ADDR", &c.Ingest.Addr)
	dur("TAGTRACK_IDLE_TIMEOUT", &c.Ingest.IdleTimeout)
	num("TAGTRACK_MAX_LINE_BYTES", &c.Ingest.MaxLineBytes)
	num("TAGTRACK_RECENT_CAPACITY", &c.Store.RecentCapacity)
	num("TAGTRACK_STRIPES", &c.Store.Stripes)
	dur("TAGTRACK_STATS_INTERVAL", &c.Stats.Interval)
	str("TAGTRACK_HTTP_ADDR", &c.HTTP.Addr)
	str("TAGTRACK_LOG_LEVEL", &c.Log.Level)
	str("TAGTRACK_LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

// Flag names understood by RegisterFlags and ApplyFlags.
const (
	FlagConfig         = "config"
	FlagIngestAddr     = "ingest-addr"
	FlagIdleTimeout    = "idle-timeout"
	FlagMaxLineBytes   = "max-line-bytes"
	FlagRecentCapacity = "recent-capacity"
	FlagStripes        = "stripes"
	FlagStatsInterval  = "stats-interval"
	FlagHTTPAddr       = "http-addr"
	FlagLogLevel       = "log-level"
	FlagLogFormat      = "log-format"
)

// RegisterFlags defines the tagserver flags on fs with the built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(FlagConfig, "", "path to a YAML config file (env "+EnvConfigPath+")")
	fs.String(FlagIngestAddr, d.Ingest.Addr, "TCP listen address for tag producers")
	fs.Duration(FlagIdleTimeout, d.Ingest.IdleTimeout, "close producer connections idle this long (0 disables)")
	fs.Int(FlagMaxLineBytes, d.Ingest.MaxLineBytes, "longest accepted telemetry line in bytes")
	fs.Int(FlagRecentCapacity, d.Store.RecentCapacity, "capacity of the recent event log")
	fs.Int(FlagStripes, d.Store.Stripes, "number of lock stripes in the state store")
	fs.Duration(FlagStatsInterval, d.Stats.Interval, "interval between stats reports")
	fs.String(FlagHTTPAddr, d.HTTP.Addr, "HTTP listen address for the query API")
	fs.String(FlagLogLevel, d.Log.Level, "log level: debug, info, warn, error")
	fs.String(FlagLogFormat, d.Log.Format, "log format: text or json")
}

// ApplyFlags copies every flag that was explicitly set on fs into c.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case FlagIngestAddr:
			c.Ingest.Addr, err = fs.GetString(f.Name)
		case FlagIdleTimeout:
			c.Ingest.IdleTimeout, err = fs.GetDuration(f.Name)
		case FlagMaxLineBytes:
			c.Ingest.MaxLineBytes, err = fs.GetInt(f.Name)
		case FlagRecentCapacity:
			c.Store.RecentCapacity, err = fs.GetInt(f.Name)
		case FlagStripes:
			c.Store.Stripes, err = fs.GetInt(f.Name)
		case FlagStatsInterval:
			c.Stats.Interval, err = fs.GetDuration(f.Name)
		case FlagHTTPAddr:
			c.HTTP.Addr, err = fs.GetString(f.Name)
		case FlagLogLevel:
			c.Log.Level, err = fs.GetString(f.Name)
		case FlagLogFormat:
			c.Log.Format, err = fs.GetString(f.Name)
		}
	})
	return err
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Ingest.Addr == "" {
		errs = append(errs, errors.New("ingest.addr is required"))
	}
	if c.Ingest.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("ingest.idle_timeout must not be negative, got %s", c.Ingest.IdleTimeout))
	}
	if c.Ingest.MaxLineBytes <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_line_bytes must be positive, got %d", c.Ingest.MaxLineBytes))
	}
	if c.Ingest.ReadBufferBytes <= 0 {
		errs = append(errs, fmt.Errorf("ingest.read_buffer_bytes must be positive, got %d", c.Ingest.ReadBufferBytes))
	}
	if c.Ingest.LogRate <= 0 {
		errs = append(errs, fmt.Errorf("ingest.log_rate must be positive, got %g", c.Ingest.LogRate))
	}
	if c.Ingest.LogBurst <= 0 {
		errs = append(errs, fmt.Errorf("ingest.log_burst must be positive, got %d", c.Ingest.LogBurst))
	}
	if c.Store.RecentCapacity <= 0 {
		errs = append(errs, fmt.Errorf("store.recent_capacity must be positive, got %d", c.Store.RecentCapacity))
	}
	if c.Store.Stripes <= 0 {
		errs = append(errs, fmt.Errorf("store.stripes must be positive, got %d", c.Store.Stripes))
	}
	if c.Stats.Interval <= 0 {
		errs = append(errs, fmt.Errorf("stats.interval must be positive, got %s", c.Stats.Interval))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.shutdown_timeout must be positive, got %s", c.HTTP.ShutdownTimeout))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch l.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text", "":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("log.format must be text or json, got %q", l.Format)
	}
	return slog.New(h), nil
}
