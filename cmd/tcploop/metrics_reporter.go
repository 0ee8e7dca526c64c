package main

import (
	"os"
	"strings"
	"time"

	"github.com/irctrakz/tcpstack/pkg/logging"
	"github.com/irctrakz/tcpstack/pkg/tcp"
	"github.com/sirupsen/logrus"
)

// runMetricsReporter periodically logs a counter snapshot. Interval comes
// from METRICS_INTERVAL (default 30s).
func runMetricsReporter(server *tcp.Stack, toServer, toClient *pipe) {
	iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL"))
	if iv == "" {
		iv = "30s"
	}
	d, err := time.ParseDuration(iv)
	if err != nil {
		d = 30 * time.Second
	}

	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for range ticker.C {
		m := server.Metrics()
		upDelivered, upDropped := toServer.stats()
		downDelivered, downDropped := toClient.stats()
		logging.WithFields(logrus.Fields{
			"active":          m.ActiveConnections(),
			"segments_sent":   m.TotalSegmentsSent(),
			"segments_recv":   m.TotalSegmentsReceived(),
			"bytes_sent":      m.TotalBytesSent(),
			"bytes_recv":      m.TotalBytesReceived(),
			"retransmits":     m.TotalRetransmits(),
			"checksum_drops":  m.TotalChecksumDrops(),
			"malformed_drops": m.TotalMalformedDrops(),
			"resets_sent":     m.TotalResetsSent(),
			"link_up":         upDelivered,
			"link_up_drop":    upDropped,
			"link_down":       downDelivered,
			"link_down_drop":  downDropped,
		}).Info("stack metrics")
	}
}
