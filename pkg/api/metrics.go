package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricStreamDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "toolflow",
	Name:      "stream_frames_dropped_total",
	Help:      "Number of viewer-stream frames dropped on a full client buffer.",
})

func recordStreamDropped() { metricStreamDropped.Inc() }
