package asyncre

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects the coordinator's operational metrics, all
// namespaced "asyncre_":
//
//   - replicas (gauge, labeled status=waiting|running): current replica
//     counts by run status.
//   - cycles_completed_total (counter): replica-cycles advanced via
//     completeOk, summed across all replicas.
//   - checkpoint_latency_ms (histogram): SaveCheckpoint duration.
//   - pilot_unavailable_ticks (gauge): current consecutive-tick count of
//     PilotUnavailableError, reset to zero on any successful pilot call.
//   - exchange_attempts_total / exchange_accepted_total (counters): the
//     exchange engine's acceptance rate.
type PrometheusMetrics struct {
	replicas          *prometheus.GaugeVec
	cyclesCompleted   prometheus.Counter
	checkpointLatency prometheus.Histogram
	pilotUnavailable  prometheus.Gauge
	exchangeAttempts  prometheus.Counter
	exchangeAccepted  prometheus.Counter
}

// NewPrometheusMetrics registers all coordinator metrics with registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for isolation in tests.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &PrometheusMetrics{
		replicas: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "asyncre",
			Name:      "replicas",
			Help:      "Current number of replicas by run status",
		}, []string{"status"}),
		cyclesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncre",
			Name:      "cycles_completed_total",
			Help:      "Cumulative count of replica cycles advanced via completeOk",
		}),
		checkpointLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "asyncre",
			Name:      "checkpoint_latency_ms",
			Help:      "Checkpoint save duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}),
		pilotUnavailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "asyncre",
			Name:      "pilot_unavailable_ticks",
			Help:      "Current count of consecutive ticks carrying a PilotUnavailableError",
		}),
		exchangeAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncre",
			Name:      "exchange_attempts_total",
			Help:      "Cumulative count of proposed exchange permutation entries",
		}),
		exchangeAccepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "asyncre",
			Name:      "exchange_accepted_total",
			Help:      "Cumulative count of exchange permutation entries actually applied",
		}),
	}
}

// SetReplicaCounts updates the replicas gauge for both run statuses.
func (pm *PrometheusMetrics) SetReplicaCounts(waiting, running int) {
	if pm == nil {
		return
	}
	pm.replicas.WithLabelValues("waiting").Set(float64(waiting))
	pm.replicas.WithLabelValues("running").Set(float64(running))
}

// IncCyclesCompleted increments the completed-cycle counter by n.
func (pm *PrometheusMetrics) IncCyclesCompleted(n int) {
	if pm == nil {
		return
	}
	pm.cyclesCompleted.Add(float64(n))
}

// ObserveCheckpointLatency records how long a SaveCheckpoint call took.
func (pm *PrometheusMetrics) ObserveCheckpointLatency(d time.Duration) {
	if pm == nil {
		return
	}
	pm.checkpointLatency.Observe(float64(d.Milliseconds()))
}

// SetPilotUnavailableTicks updates the consecutive-failure gauge.
func (pm *PrometheusMetrics) SetPilotUnavailableTicks(n int) {
	if pm == nil {
		return
	}
	pm.pilotUnavailable.Set(float64(n))
}

// ObserveExchangeRound records one round's proposed-vs-applied counts.
func (pm *PrometheusMetrics) ObserveExchangeRound(attempted, accepted int) {
	if pm == nil {
		return
	}
	pm.exchangeAttempts.Add(float64(attempted))
	pm.exchangeAccepted.Add(float64(accepted))
}
