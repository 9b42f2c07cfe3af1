package ingest

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/tagtrack/internal/frame"
	"github.com/dreamware/tagtrack/internal/sequence"
)

// Metrics holds Prometheus metrics for the ingest server.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	lines          prometheus.Counter
	bytes          prometheus.Counter
	events         *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec
	oversized      prometheus.Counter
	connsActive    prometheus.Gauge
	connsTotal     prometheus.Counter
	upsertDuration prometheus.Histogram
}

// NewMetrics creates the ingest metrics and registers them with reg.
// A nil registerer yields nil metrics.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		lines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "lines_total",
			Help:      "Complete lines read from producer connections",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Raw bytes read from producer connections",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Parsed tag events by sequence classification",
		}, []string{"classification"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "parse_errors_total",
			Help:      "Rejected lines by reason",
		}, []string{"reason"}),
		oversized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "oversized_lines_total",
			Help:      "Lines dropped for exceeding the line length limit",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "connections_active",
			Help:      "Producer connections currently open",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "connections_total",
			Help:      "Producer connections accepted",
		}),
		upsertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tagtrack",
			Subsystem: "ingest",
			Name:      "upsert_duration_seconds",
			Help:      "Time spent reconciling one event in the state store",
			Buckets:   []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005},
		}),
	}

	collectors := []prometheus.Collector{
		m.lines, m.bytes, m.events, m.parseErrors, m.oversized,
		m.connsActive, m.connsTotal, m.upsertDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register ingest metrics: %w", err)
		}
	}

	// Pre-create label values so every series is exported from the start.
	for _, k := range []sequence.Kind{sequence.First, sequence.Advance, sequence.Duplicate, sequence.Regressed, sequence.Gap} {
		m.events.WithLabelValues(string(k))
	}
	for _, r := range frame.Reasons {
		m.parseErrors.WithLabelValues(string(r))
	}

	return m, nil
}

func (m *Metrics) recordLine() {
	if m != nil {
		m.lines.Inc()
	}
}

func (m *Metrics) recordBytes(n int) {
	if m != nil {
		m.bytes.Add(float64(n))
	}
}

func (m *Metrics) recordEvent(k sequence.Kind, seconds float64) {
	if m != nil {
		m.events.WithLabelValues(string(k)).Inc()
		m.upsertDuration.Observe(seconds)
	}
}

func (m *Metrics) recordParseError(r frame.Reason) {
	if m != nil {
		m.parseErrors.WithLabelValues(string(r)).Inc()
	}
}

func (m *Metrics) recordOversized(n int) {
	if m != nil {
		m.oversized.Add(float64(n))
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connsActive.Inc()
		m.connsTotal.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connsActive.Dec()
	}
}
