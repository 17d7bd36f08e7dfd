package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameFramesTotal = "netstack_device_frames_total"
	MetricNameDropsTotal  = "netstack_device_drops_total"

	MetricLabelDirection = "direction"
)

var (
	metricFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameFramesTotal,
			Help: "Number of Ethernet frames sent or received.",
		},
		[]string{MetricLabelDirection},
	)

	metricDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameDropsTotal,
			Help: "Number of received frames dropped for decode failure or no registered protocol handler.",
		},
	)
)
