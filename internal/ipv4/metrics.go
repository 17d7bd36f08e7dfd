package ipv4

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricNameDroppedTotal      = "netstack_ipv4_dropped_total"
	MetricNameReassemblyEntries = "netstack_ipv4_reassembly_entries"
)

var (
	metricDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: MetricNameDroppedTotal,
			Help: "Number of inbound IPv4 datagrams dropped by the receive validation pipeline.",
		},
	)

	metricReassemblyEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: MetricNameReassemblyEntries,
			Help: "Number of fragment reassemblies currently outstanding.",
		},
	)
)
