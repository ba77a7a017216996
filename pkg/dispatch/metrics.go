package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "batches_dispatched_total",
		Help:      "Number of tool-call batches dispatched.",
	})
	metricBatchSize = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "tools_dispatched_total",
		Help:      "Number of individual tool calls dispatched.",
	})
	metricWorkers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "workers_started_total",
		Help:      "Number of per-tool workers started.",
	})
	metricPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "worker_panics_total",
		Help:      "Number of workers that ended in a recovered panic.",
	})
)

func recordBatchDispatched(size int) {
	metricBatches.Inc()
	metricBatchSize.Add(float64(size))
}

func recordWorkerStarted() { metricWorkers.Inc() }
func recordWorkerPanic()   { metricPanics.Inc() }
