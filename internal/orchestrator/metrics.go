package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	OutcomesTotal *prometheus.CounterVec
	PhaseDuration *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator metrics once per process.
//
// Metrics:
//   - ledgerd_task_outcomes_total{status}
//   - ledgerd_phase_duration_seconds{phase}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			OutcomesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledgerd_task_outcomes_total",
					Help: "Total number of task runs, by outcome status",
				},
				[]string{"status"},
			),
			PhaseDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ledgerd_phase_duration_seconds",
					Help:    "Duration of pipeline phases in seconds",
					Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 600},
				},
				[]string{"phase"},
			),
		}
	})
	return globalMetrics
}
