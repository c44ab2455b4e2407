package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paycore",
		Subsystem: "sweep",
		Name:      "run_duration_seconds",
		Help:      "Duration of sweep runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	sweepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paycore",
		Subsystem: "sweep",
		Name:      "errors_total",
		Help:      "Sweep task errors.",
	}, []string{"task"})

	sweepLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paycore",
		Subsystem: "sweep",
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time of the last completed sweep.",
	})
)

func init() {
	prometheus.MustRegister(sweepDuration, sweepErrors, sweepLastRun)
}
