package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Mesh protocol ----

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshline",
			Name:      "messages_received_total",
			Help:      "Inbound lines by outcome (delivered, deduped, raw, dropped).",
		},
		[]string{"outcome"},
	)

	MessagesForwarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshline",
			Name:      "messages_forwarded_total",
			Help:      "Wire messages rebroadcast to peers.",
		},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meshline",
			Name:      "heartbeats_sent_total",
			Help:      "Ping frames broadcast by the heartbeat timer.",
		},
	)

	Peers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshline",
			Name:      "peers",
			Help:      "Attached peer sessions, including closed ones not yet pruned.",
		},
	)

	// ---- Bridge HTTP ----

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshline",
			Name:      "requests_total",
			Help:      "Total number of bridge HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshline",
			Name:      "request_duration_seconds",
			Help:      "Latency of bridge HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshline",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight bridge HTTP requests.",
		},
		[]string{"op"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "meshline",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesReceived, MessagesForwarded, HeartbeatsSent, Peers,
		RequestsTotal, RequestDuration, InFlight, uptime,
	)
}

// MetricsHandler exposes the registry. Mount with mux.Handle("/metrics", ...).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler and records request metrics under op.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
