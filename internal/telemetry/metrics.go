package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	httpDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	SSEClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sse_clients",
		Help: "Number of currently connected SSE clients",
	})
	SnapshotFlags = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snapshot_flags",
		Help: "Number of flags in the active snapshot of an environment",
	}, []string{"environment"})
	SnapshotRefreshFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_refresh_failures_total",
		Help: "Snapshot reloads that failed after retries",
	}, []string{"environment"})
	Evaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flag_evaluations_total",
		Help: "Flag evaluations served, by reason",
	}, []string{"reason"})
	TriggerInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flag_trigger_invocations_total",
		Help: "Flag trigger webhook calls, by result",
	}, []string{"result"})
	CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "evaluation_cache_lookups_total",
		Help: "Evaluation cache lookups, by result",
	}, []string{"result"})
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_deliveries_total",
		Help: "Change notification deliveries, by result",
	}, []string{"result"})
)

var initOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpReqs, httpDur, SSEClients, SnapshotFlags,
			SnapshotRefreshFailures, Evaluations, TriggerInvocations, CacheLookups, WebhookDeliveries)
	})
}

func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)

		// the route pattern is only known after routing
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		httpReqs.WithLabelValues(route, r.Method, http.StatusText(ww.status)).Inc()
		httpDur.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
