package tcpstack

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameSegmentsTotal       = "netstack_tcp_segments_total"
	MetricNameResetsTotal         = "netstack_tcp_resets_total"
	MetricNameRetransTimeouts     = "netstack_tcp_retransmission_timeouts_total"
	MetricNameConnectionsOpen     = "netstack_tcp_connections_open"
	MetricNameDecodeErrorsTotal   = "netstack_tcp_decode_errors_total"
	MetricNameNoRouteDroppedTotal = "netstack_tcp_no_cb_dropped_total"

	MetricLabelDirection = "direction"
	MetricLabelCause     = "cause"
)

var (
	metricSegmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameSegmentsTotal,
			Help: "Number of TCP segments sent or received.",
		},
		[]string{MetricLabelDirection},
	)

	metricResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: MetricNameResetsTotal,
			Help: "Number of RST segments sent or received.",
		},
		[]string{MetricLabelDirection},
	)

	metricRetransTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameRetransTimeouts,
			Help: "Number of connections force-closed by the user timeout.",
		},
	)

	metricConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameConnectionsOpen,
			Help: "Number of connection control blocks currently in use.",
		},
	)

	metricDecodeErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameDecodeErrorsTotal,
			Help: "Number of inbound segments dropped for failing header decode or checksum.",
		},
	)

	metricNoCBDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameNoRouteDroppedTotal,
			Help: "Number of inbound segments dropped for lack of a matching or free control block.",
		},
	)
)
