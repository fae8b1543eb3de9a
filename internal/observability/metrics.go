package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ircmux",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)
	connectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ircmux",
			Subsystem: "network",
			Name:      "connection_state",
			Help:      "Connection state per network (0 disconnected, 1 connecting, 2 connected).",
		},
		[]string{"network"},
	)
	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "lifecycle",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by outcome.",
		},
		[]string{"network", "result"},
	)
	reconnectsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "lifecycle",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect delays scheduled by the backoff loop.",
		},
		[]string{"network"},
	)
	eventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Protocol events applied to state.",
		},
		[]string{"network", "kind"},
	)
	reconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "reconcile",
			Name:      "failures_total",
			Help:      "Event applications that failed and were recovered.",
		},
		[]string{"network"},
	)
	snapshotsDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "reconcile",
			Name:      "roster_snapshots_discarded_total",
			Help:      "Roster snapshots rejected by the shrink guard.",
		},
		[]string{"network"},
	)
	transferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Bytes moved by direct transfers.",
		},
		[]string{"direction"},
	)
	transferOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ircmux",
			Subsystem: "transfer",
			Name:      "outcomes_total",
			Help:      "Terminal transfer and chat session outcomes.",
		},
		[]string{"kind", "direction", "status"},
	)
	connectivityAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ircmux",
			Subsystem: "connectivity",
			Name:      "available",
			Help:      "1 when a network path is available.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			connectionState, connectAttempts, reconnectsScheduled,
			eventsApplied, reconcileFailures, snapshotsDiscarded,
			transferBytes, transferOutcomes,
			connectivityAvailable,
		)
	})
}

func RecordHTTPRequest(service, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(service, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(service, method, path, statusLabel).Observe(duration.Seconds())
}

func SetConnectionState(network string, state int) {
	RegisterMetrics()
	connectionState.WithLabelValues(network).Set(float64(state))
}

func RecordConnectAttempt(network, result string) {
	RegisterMetrics()
	connectAttempts.WithLabelValues(network, result).Inc()
}

func RecordReconnectScheduled(network string) {
	RegisterMetrics()
	reconnectsScheduled.WithLabelValues(network).Inc()
}

func RecordEventApplied(network, kind string) {
	RegisterMetrics()
	eventsApplied.WithLabelValues(network, kind).Inc()
}

func RecordReconcileFailure(network string) {
	RegisterMetrics()
	reconcileFailures.WithLabelValues(network).Inc()
}

func RecordSnapshotDiscarded(network string) {
	RegisterMetrics()
	snapshotsDiscarded.WithLabelValues(network).Inc()
}

func RecordTransferBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	transferBytes.WithLabelValues(direction).Add(float64(n))
}

func RecordTransferOutcome(kind, direction, status string) {
	RegisterMetrics()
	transferOutcomes.WithLabelValues(kind, direction, status).Inc()
}

func SetConnectivity(available bool) {
	RegisterMetrics()
	v := 0.0
	if available {
		v = 1
	}
	connectivityAvailable.Set(v)
}
