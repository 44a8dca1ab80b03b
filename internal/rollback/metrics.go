package rollback

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the rollback engine.
type Metrics struct {
	RollbacksTotal *prometheus.CounterVec
	StepsTotal     *prometheus.CounterVec
}

// NewMetrics registers the rollback metrics once per process.
//
// Metrics:
//   - ledgerd_rollbacks_total{status}
//   - ledgerd_rollback_steps_total{kind,outcome}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledgerd_rollbacks_total",
					Help: "Total number of rollbacks, by final status",
				},
				[]string{"status"},
			),
			StepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ledgerd_rollback_steps_total",
					Help: "Total number of checkpoint undo steps, by rollback kind and outcome",
				},
				[]string{"kind", "outcome"},
			),
		}
	})
	return globalMetrics
}
