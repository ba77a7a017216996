package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "status_updates_committed_total",
		Help:      "Number of flow updates committed through the CAS write path.",
	})
	metricConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "status_update_conflicts_total",
		Help:      "Number of compare-and-swap conflicts observed by writers.",
	})
	metricDroppedLookups = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "status_updates_dropped_total",
		Help:      "Number of updates dropped because no matching tool state remained.",
	})
	metricAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "toolflow",
		Name:      "status_updates_abandoned_total",
		Help:      "Number of updates abandoned after exhausting the retry budget.",
	})
)

func recordCommitted()     { metricCommitted.Inc() }
func recordConflict()      { metricConflicts.Inc() }
func recordDroppedLookup() { metricDroppedLookups.Inc() }
func recordAbandoned()     { metricAbandoned.Inc() }
