package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "broadcast_published_total",
		Help:      "Number of status events published to the transport.",
	})
	metricFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "broadcast_failed_total",
		Help:      "Number of status events dropped due to transport or encode failures.",
	})
	metricThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "broadcast_throttled_total",
		Help:      "Number of progress-only events suppressed by the throttle.",
	})
)

func recordPublished() { metricPublished.Inc() }
func recordFailed()    { metricFailed.Inc() }
func recordThrottled() { metricThrottled.Inc() }
