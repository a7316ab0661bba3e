// Package metrics tracks operation health in memory and exports the
// numbers over JSON and Prometheus.
package metrics

import (
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bambumon/bambumon/engine"
)

const (
	sampleWindow  = 200
	alertMinCount = 5
	alertErrRate  = 0.2
	alertAvgMs    = 2000
	alertThrottle = time.Minute
)

type sample struct {
	ok         bool
	durationMs float64
}

type series struct {
	samples   []sample
	lastAlert time.Time
}

// Summary is the JSON view of one operation's recent health.
type Summary struct {
	Count     int     `json:"count"`
	Errors    int     `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	AvgMs     float64 `json:"avg_ms"`
}

// Module records per-operation timing samples in a sliding window.
type Module struct {
	mu     sync.Mutex
	series map[string]*series
	now    func() time.Time

	registry   *prometheus.Registry
	opDuration *prometheus.HistogramVec
	opErrors   *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
}

func New() *Module {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Module{
		series:   map[string]*series{},
		now:      time.Now,
		registry: registry,
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bambumon_operation_duration_seconds",
			Help:    "Duration of printer operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		opErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bambumon_operation_errors_total",
			Help: "Failed printer operations.",
		}, []string{"operation"}),
		httpDur: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bambumon_http_request_duration_seconds",
			Help:    "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "pattern"}),
	}
}

func (m *Module) AttachRoutes(router *engine.Router) {
	router.Observe(m.observeRequest)
	router.Handle("GET /api/metrics", router.WithAuthn(http.HandlerFunc(m.handleSummary)))
	router.Handle("GET /metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Module) observeRequest(method, pattern string, status int, latency time.Duration) {
	m.httpDur.WithLabelValues(method, pattern).Observe(latency.Seconds())
}

// Record adds one sample for an operation.
func (m *Module) Record(name string, ok bool, duration time.Duration) {
	durationMs := float64(duration.Milliseconds())
	m.opDuration.WithLabelValues(name).Observe(duration.Seconds())
	if !ok {
		m.opErrors.WithLabelValues(name).Inc()
	}

	m.mu.Lock()
	s := m.series[name]
	if s == nil {
		s = &series{}
		m.series[name] = s
	}
	s.samples = append(s.samples, sample{ok: ok, durationMs: durationMs})
	if len(s.samples) > sampleWindow {
		s.samples = s.samples[len(s.samples)-sampleWindow:]
	}
	summary := summarize(s.samples)
	alert := m.shouldAlertLocked(s, summary)
	m.mu.Unlock()

	if alert {
		slog.Warn("operation degraded",
			"operation", name,
			"error_rate", summary.ErrorRate,
			"avg_ms", summary.AvgMs,
		)
	}
}

// Timed wraps an operation and records its outcome.
func (m *Module) Timed(name string, fn func() error) error {
	start := m.now()
	err := fn()
	m.Record(name, err == nil, m.now().Sub(start))
	return err
}

// shouldAlertLocked applies the alert thresholds with a per-series
// throttle. Caller holds the lock.
func (m *Module) shouldAlertLocked(s *series, summary Summary) bool {
	if summary.Count < alertMinCount {
		return false
	}
	if summary.ErrorRate < alertErrRate && summary.AvgMs < alertAvgMs {
		return false
	}
	now := m.now()
	if now.Sub(s.lastAlert) < alertThrottle {
		return false
	}
	s.lastAlert = now
	return true
}

// Snapshot summarizes every tracked operation.
func (m *Module) Snapshot() map[string]Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Summary, len(m.series))
	for name, s := range m.series {
		out[name] = summarize(s.samples)
	}
	return out
}

func summarize(samples []sample) Summary {
	summary := Summary{Count: len(samples)}
	if summary.Count == 0 {
		return summary
	}
	var total float64
	for _, s := range samples {
		if !s.ok {
			summary.Errors++
		}
		total += s.durationMs
	}
	summary.ErrorRate = math.Round(float64(summary.Errors)/float64(summary.Count)*1000) / 1000
	summary.AvgMs = math.Round(total/float64(summary.Count)*1000) / 1000
	return summary
}

func (m *Module) handleSummary(w http.ResponseWriter, r *http.Request) {
	engine.WriteJSON(w, map[string]any{"operations": m.Snapshot()})
}
