package observability

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staybook", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "staybook", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ProcessorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staybook", Name: "processor_requests_total", Help: "Outbound payment-processor requests."},
		[]string{"endpoint", "status"},
	)
	ProcessorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "staybook", Name: "processor_request_duration_seconds",
			Help:    "Outbound payment-processor request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
	LockEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staybook", Name: "period_lock_events_total", Help: "Period lock acquire/release outcomes."},
		[]string{"event"}, // event: acquired|busy|released|release_skipped
	)
	Reservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staybook", Name: "reservation_transitions_total", Help: "Reservation lifecycle transitions."},
		[]string{"transition", "outcome"}, // outcome: ok|conflict|error
	)
	ReconcileFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "staybook", Name: "reconcile_findings_total", Help: "Reconciliation findings by kind."},
		[]string{"kind", "fixed"},
	)
)

// Serve starts the optional standalone metrics server; disabled when
// METRICS_ADDR is unset.
func Serve() {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		return // disabled
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(HTTPRequests, HTTPLatency, ProcessorRequests, ProcessorLatency, LockEvents, Reservations, ReconcileFindings)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveProcessor(endpoint string, status int, dur time.Duration) {
	ProcessorRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	ProcessorLatency.WithLabelValues(endpoint).Observe(dur.Seconds())
}

func ObserveLock(event string) { // event: acquired|busy|released|release_skipped
	LockEvents.WithLabelValues(event).Inc()
}

func ObserveTransition(transition, outcome string) {
	Reservations.WithLabelValues(transition, outcome).Inc()
}

func ObserveFinding(kind string, fixed bool) {
	ReconcileFindings.WithLabelValues(kind, strconv.FormatBool(fixed)).Inc()
}
