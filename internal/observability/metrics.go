package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-hr/internal/access"
	"github.com/odyssey-erp/odyssey-hr/internal/enforce"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisions       *prometheus.CounterVec
	denials         *prometheus.CounterVec
	reloads         *prometheus.CounterVec
	reloadDuration  prometheus.Histogram
	scans           *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	scanDuration    *prometheus.HistogramVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_decisions_total",
		Help: "Keputusan izin statis berdasarkan layer dan hasil.",
	}, []string{"layer", "result"})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_guard_denials_total",
		Help: "Penolakan guard berdasarkan guard dan layer.",
	}, []string{"guard", "layer"})
	reloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_snapshot_reloads_total",
		Help: "Jumlah pemuatan ulang snapshot aturan berdasarkan hasil.",
	}, []string{"outcome"})
	reloadDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "odyssey_authz_snapshot_reload_seconds",
		Help:    "Durasi pemuatan snapshot aturan.",
		Buckets: prometheus.DefBuckets,
	})
	scans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_conflict_scans_total",
		Help: "Jumlah analisis konflik kebijakan berdasarkan pemicu dan hasil.",
	}, []string{"trigger", "outcome"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_conflicts_detected_total",
		Help: "Konflik kebijakan baru yang tercatat.",
	}, []string{"trigger"})
	scanDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_authz_conflict_scan_seconds",
		Help:    "Durasi analisis konflik kebijakan.",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})
	registry.MustRegister(requests, duration, decisions, denials, reloads, reloadDuration, scans, conflicts, scanDuration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisions:       decisions,
		denials:         denials,
		reloads:         reloads,
		reloadDuration:  reloadDuration,
		scans:           scans,
		conflicts:       conflicts,
		scanDuration:    scanDuration,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveDecision implements rbac.DecisionObserver.
func (m *Metrics) ObserveDecision(layer string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(layer, result(allowed)).Inc()
}

// ObserveReload implements rules.ReloadObserver.
func (m *Metrics) ObserveReload(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(outcome).Inc()
	m.reloadDuration.Observe(d.Seconds())
}

// ObserveScan implements conflict.ScanObserver.
func (m *Metrics) ObserveScan(trigger string, created int, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.scans.WithLabelValues(trigger, outcome).Inc()
	m.scanDuration.WithLabelValues(trigger).Observe(d.Seconds())
	if created > 0 {
		m.conflicts.WithLabelValues(trigger).Add(float64(created))
	}
}

// Denied implements enforce.DenialSink.
func (m *Metrics) Denied(_ context.Context, _ access.ActingContext, d enforce.Decision) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(d.Guard, d.Layer).Inc()
}

func result(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
