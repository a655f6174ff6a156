package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Messages dispatched, by store and outcome (acked, abandoned, failed)",
		},
		[]string{"store", "outcome"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Handler invocation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"store"},
	)

	claimBatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_claim_batch_size",
			Help:    "Number of rows returned per claim",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"store"},
	)

	reapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reaped_total",
			Help: "Rows recovered from expired claim leases",
		},
		[]string{"store"},
	)

	// Lease metrics
	leaseAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_lease_acquisitions_total",
			Help: "Dispatch lease acquisition attempts, by resource and outcome (acquired, contended, error)",
		},
		[]string{"resource", "outcome"},
	)

	// Poll loop metrics
	pollTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_poll_ticks_total",
			Help: "Polling loop ticks, by loop name and outcome (ok, error)",
		},
		[]string{"loop", "outcome"},
	)
)

// RecordDispatch records one message outcome and its handler duration.
func RecordDispatch(store, outcome string, duration time.Duration) {
	dispatchTotal.WithLabelValues(store, outcome).Inc()
	dispatchDuration.WithLabelValues(store).Observe(duration.Seconds())
}

// RecordClaim records the size of one claim batch.
func RecordClaim(store string, size int) {
	claimBatchSize.WithLabelValues(store).Observe(float64(size))
}

// RecordReaped counts rows recovered by the reaper.
func RecordReaped(store string, n int64) {
	reapedTotal.WithLabelValues(store).Add(float64(n))
}

// RecordLease records a dispatch lease acquisition attempt.
func RecordLease(resource, outcome string) {
	leaseAcquisitions.WithLabelValues(resource, outcome).Inc()
}

// RecordPollTick records one polling loop tick.
func RecordPollTick(loop, outcome string) {
	pollTicks.WithLabelValues(loop, outcome).Inc()
}

// MetricsHandler returns the Prometheus metrics handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
