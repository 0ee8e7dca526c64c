// Package metrics exposes stack counters in Prometheus format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StackStats is the read side of the stack's counters.
type StackStats interface {
	ActiveConnections() int64
	ConnectionsCreated() uint64
	ConnectionsClosed() uint64
	TotalSegmentsSent() uint64
	TotalSegmentsReceived() uint64
	TotalBytesSent() uint64
	TotalBytesReceived() uint64
	TotalRetransmits() uint64
	TotalChecksumDrops() uint64
	TotalMalformedDrops() uint64
	TotalResetsSent() uint64
	TotalSendErrors() uint64
}

// StackCollector adapts StackStats to the Prometheus collector interface.
type StackCollector struct {
	stats StackStats

	activeConnsDesc    *prometheus.Desc
	connsCreatedDesc   *prometheus.Desc
	connsClosedDesc    *prometheus.Desc
	segmentsSentDesc   *prometheus.Desc
	segmentsRecvDesc   *prometheus.Desc
	bytesSentDesc      *prometheus.Desc
	bytesRecvDesc      *prometheus.Desc
	retransmitsDesc    *prometheus.Desc
	checksumDropsDesc  *prometheus.Desc
	malformedDropsDesc *prometheus.Desc
	resetsSentDesc     *prometheus.Desc
	sendErrorsDesc     *prometheus.Desc
}

// NewStackCollector builds a collector backed by stats.
func NewStackCollector(stats StackStats) *StackCollector {
	return &StackCollector{
		stats: stats,
		activeConnsDesc: prometheus.NewDesc(
			"tcp_active_connections",
			"Number of connections currently tracked",
			nil, nil),
		connsCreatedDesc: prometheus.NewDesc(
			"tcp_connections_created_total",
			"Total connections ever created",
			nil, nil),
		connsClosedDesc: prometheus.NewDesc(
			"tcp_connections_closed_total",
			"Total connections fully torn down",
			nil, nil),
		segmentsSentDesc: prometheus.NewDesc(
			"tcp_segments_sent_total",
			"Total TCP segments transmitted",
			nil, nil),
		segmentsRecvDesc: prometheus.NewDesc(
			"tcp_segments_received_total",
			"Total TCP segments received",
			nil, nil),
		bytesSentDesc: prometheus.NewDesc(
			"tcp_bytes_sent_total",
			"Total payload bytes transmitted",
			nil, nil),
		bytesRecvDesc: prometheus.NewDesc(
			"tcp_bytes_received_total",
			"Total payload bytes received",
			nil, nil),
		retransmitsDesc: prometheus.NewDesc(
			"tcp_retransmits_total",
			"Total retransmitted segments",
			nil, nil),
		checksumDropsDesc: prometheus.NewDesc(
			"tcp_checksum_drops_total",
			"Inbound segments dropped for bad checksum",
			nil, nil),
		malformedDropsDesc: prometheus.NewDesc(
			"tcp_malformed_drops_total",
			"Inbound segments dropped as malformed",
			nil, nil),
		resetsSentDesc: prometheus.NewDesc(
			"tcp_resets_sent_total",
			"Total RST segments emitted",
			nil, nil),
		sendErrorsDesc: prometheus.NewDesc(
			"tcp_send_errors_total",
			"IP-layer send failures",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StackCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnsDesc
	ch <- c.connsCreatedDesc
	ch <- c.connsClosedDesc
	ch <- c.segmentsSentDesc
	ch <- c.segmentsRecvDesc
	ch <- c.bytesSentDesc
	ch <- c.bytesRecvDesc
	ch <- c.retransmitsDesc
	ch <- c.checksumDropsDesc
	ch <- c.malformedDropsDesc
	ch <- c.resetsSentDesc
	ch <- c.sendErrorsDesc
}

// Collect implements prometheus.Collector.
func (c *StackCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc,
		prometheus.GaugeValue, float64(c.stats.ActiveConnections()))
	ch <- prometheus.MustNewConstMetric(c.connsCreatedDesc,
		prometheus.CounterValue, float64(c.stats.ConnectionsCreated()))
	ch <- prometheus.MustNewConstMetric(c.connsClosedDesc,
		prometheus.CounterValue, float64(c.stats.ConnectionsClosed()))
	ch <- prometheus.MustNewConstMetric(c.segmentsSentDesc,
		prometheus.CounterValue, float64(c.stats.TotalSegmentsSent()))
	ch <- prometheus.MustNewConstMetric(c.segmentsRecvDesc,
		prometheus.CounterValue, float64(c.stats.TotalSegmentsReceived()))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc,
		prometheus.CounterValue, float64(c.stats.TotalBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.bytesRecvDesc,
		prometheus.CounterValue, float64(c.stats.TotalBytesReceived()))
	ch <- prometheus.MustNewConstMetric(c.retransmitsDesc,
		prometheus.CounterValue, float64(c.stats.TotalRetransmits()))
	ch <- prometheus.MustNewConstMetric(c.checksumDropsDesc,
		prometheus.CounterValue, float64(c.stats.TotalChecksumDrops()))
	ch <- prometheus.MustNewConstMetric(c.malformedDropsDesc,
		prometheus.CounterValue, float64(c.stats.TotalMalformedDrops()))
	ch <- prometheus.MustNewConstMetric(c.resetsSentDesc,
		prometheus.CounterValue, float64(c.stats.TotalResetsSent()))
	ch <- prometheus.MustNewConstMetric(c.sendErrorsDesc,
		prometheus.CounterValue, float64(c.stats.TotalSendErrors()))
}
