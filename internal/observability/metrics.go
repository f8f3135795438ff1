package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	auditsRecorded  *prometheus.CounterVec
	dispositions    *prometheus.CounterVec
	denials         *prometheus.CounterVec
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
	audits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_audits_recorded_total",
		Help: "Jumlah audit yang dicatat per model, aksi dan status pending.",
	}, []string{"model", "action", "pending"})
	dispositions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_audit_dispositions_total",
		Help: "Jumlah keputusan approve/reject audit per model dan aksi.",
	}, []string{"model", "action"})
	denials := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authorization_denied_total",
		Help: "Jumlah operasi yang ditolak karena izin field.",
	}, []string{"model", "op"})
	registry.MustRegister(requests, duration, audits, dispositions, denials)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		auditsRecorded:  audits,
		dispositions:    dispositions,
		denials:         denials,
	}
}

// AuditRecorded mencatat satu audit baru.
func (m *Metrics) AuditRecorded(model, action string, pending bool) {
	if m == nil {
		return
	}
	m.auditsRecorded.WithLabelValues(model, action, strconv.FormatBool(pending)).Inc()
}

// AuditDisposed mencatat satu keputusan atas audit.
func (m *Metrics) AuditDisposed(model, action string) {
	if m == nil {
		return
	}
	m.dispositions.WithLabelValues(model, action).Inc()
}

// AuthorizationDenied mencatat operasi yang ditolak.
func (m *Metrics) AuthorizationDenied(model, op string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(model, op).Inc()
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
