package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "anuneko"

var (
	// requestsTotal counts completion requests.
	// Labels: mode (blocking, stream), outcome (ok, unresolved_branch, stream_failed, invalid, unavailable, not_found)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Chat completion requests by mode and outcome",
	}, []string{"mode", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Chat completion latency in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
	}, []string{"mode"})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_in_flight",
		Help:      "Chat completion requests currently being served",
	})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the inbound rate limiter",
	})

	// backendCalls counts upstream calls.
	// Labels: op (create_conversation, switch_model, confirm_branch, open_stream, list_models), status (success, error)
	backendCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "calls_total",
		Help:      "Backend calls by operation and status",
	}, []string{"op", "status"})

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "backend",
		Name:      "latency_seconds",
		Help:      "Backend call latency in seconds (stream open measures time to headers)",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"op"})

	streamFragments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "fragments_total",
		Help:      "Reply fragments emitted by the stream translator",
	})

	// streamEnds counts how translated streams terminated.
	// Labels: reason (complete, unresolved_branch, failed, cancelled)
	streamEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "ends_total",
		Help:      "Translated streams by end condition",
	}, []string{"reason"})

	sessionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "decisions_total",
		Help:      "Session registry new-vs-reuse decisions",
	}, []string{"decision"})

	sessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "live",
		Help:      "Session records currently held by the registry",
	})

	sessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "swept_total",
		Help:      "Idle sessions removed by the reclamation sweep",
	})

	catalogRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "refreshes_total",
		Help:      "Model catalog refreshes by status (success, error, empty)",
	}, []string{"status"})

	// ledgerWrites counts async ledger flushes.
	// Labels: status (success, error)
	ledgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "flushes_total",
		Help:      "Async usage ledger flushes by status",
	}, []string{"status"})

	ledgerDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "dropped_total",
		Help:      "Usage entries dropped because the async queue was full",
	})

	catalogEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "entries",
		Help:      "Entries in the installed model table",
	})
)

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records a finished completion request.
func RecordRequest(mode, outcome string, d time.Duration) {
	requestsTotal.WithLabelValues(mode, outcome).Inc()
	requestDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// TrackInFlight increments the in-flight gauge and returns the matching decrement.
func TrackInFlight() func() {
	inFlight.Inc()
	return inFlight.Dec
}

// RecordRateLimited records a request rejected by the rate limiter.
func RecordRateLimited() {
	rateLimited.Inc()
}

// RecordBackendCall records one upstream call.
func RecordBackendCall(op string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	backendCalls.WithLabelValues(op, status).Inc()
	backendLatency.WithLabelValues(op).Observe(d.Seconds())
}

// RecordFragment records one emitted reply fragment.
func RecordFragment() {
	streamFragments.Inc()
}

// RecordStreamEnd records how a translated stream terminated.
func RecordStreamEnd(reason string) {
	streamEnds.WithLabelValues(reason).Inc()
}

// RecordSessionDecision records a registry decision.
func RecordSessionDecision(decision string) {
	sessionDecisions.WithLabelValues(decision).Inc()
}

// SetLiveSessions reports the number of session records held.
func SetLiveSessions(n int) {
	sessionsLive.Set(float64(n))
}

// RecordSessionsSwept records sessions removed by one sweep.
func RecordSessionsSwept(n int) {
	sessionsSwept.Add(float64(n))
}

// RecordCatalogRefresh records a catalog refresh attempt and the resulting table size.
func RecordCatalogRefresh(status string, entries int) {
	catalogRefreshes.WithLabelValues(status).Inc()
	catalogEntries.Set(float64(entries))
}

// RecordLedgerFlush records one async ledger flush.
func RecordLedgerFlush(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	ledgerWrites.WithLabelValues(status).Inc()
}

// RecordLedgerDropped records an entry discarded by the async ledger.
func RecordLedgerDropped() {
	ledgerDropped.Inc()
}
