// Package metrics exposes Prometheus collectors for the economy engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		},
		[]string{"op", "outcome"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "economy",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"op"},
	)

	compensationsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "compensation",
			Name:      "opened_total",
			Help:      "Gift credits deferred to the compensation queue.",
		},
	)

	compensationsSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "compensation",
			Name:      "settled_total",
			Help:      "Pending compensations credited by reconciliation.",
		},
	)

	integrityFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "engine",
			Name:      "integrity_faults_total",
			Help:      "Ledger records missing where an invariant requires them.",
		},
	)

	pendingCompensations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "economy",
			Subsystem: "compensation",
			Name:      "pending",
			Help:      "Open compensations seen by the last reconciliation pass.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)
)

func init() {
	Registry.MustRegister(
		operations,
		operationDuration,
		compensationsOpened,
		compensationsSettled,
		integrityFaults,
		pendingCompensations,
		httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordOperation counts one engine operation and observes its duration.
func RecordOperation(op, outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Microsecond
	}
	operations.WithLabelValues(op, outcome).Inc()
	operationDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func CompensationOpened()  { compensationsOpened.Inc() }
func CompensationSettled() { compensationsSettled.Inc() }
func IntegrityFault()      { integrityFaults.Inc() }

// SetPending records the size of the open compensation queue.
func SetPending(n int) {
	pendingCompensations.Set(float64(n))
}

// InstrumentHandler wraps the provided handler with request counting.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
