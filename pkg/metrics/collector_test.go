package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStats returns fixed values for every counter.
type fakeStats struct{}

func (fakeStats) ActiveConnections() int64      { return 3 }
func (fakeStats) ConnectionsCreated() uint64    { return 10 }
func (fakeStats) ConnectionsClosed() uint64     { return 7 }
func (fakeStats) TotalSegmentsSent() uint64     { return 100 }
func (fakeStats) TotalSegmentsReceived() uint64 { return 90 }
func (fakeStats) TotalBytesSent() uint64        { return 5000 }
func (fakeStats) TotalBytesReceived() uint64    { return 4000 }
func (fakeStats) TotalRetransmits() uint64      { return 4 }
func (fakeStats) TotalChecksumDrops() uint64    { return 2 }
func (fakeStats) TotalMalformedDrops() uint64   { return 1 }
func (fakeStats) TotalResetsSent() uint64       { return 5 }
func (fakeStats) TotalSendErrors() uint64       { return 0 }

func TestStackCollector(t *testing.T) {
	c := NewStackCollector(fakeStats{})
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 12, testutil.CollectAndCount(c))

	expected := `
# HELP tcp_active_connections Number of connections currently tracked
# TYPE tcp_active_connections gauge
tcp_active_connections 3
# HELP tcp_retransmits_total Total retransmitted segments
# TYPE tcp_retransmits_total counter
tcp_retransmits_total 4
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"tcp_active_connections", "tcp_retransmits_total"))
}
