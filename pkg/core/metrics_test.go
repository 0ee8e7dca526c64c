package core

import (
	"testing"
)

func TestAddrString(t *testing.T) {
	if got := AddrString([4]byte{192, 168, 1, 20}, 8080); got != "192.168.1.20:8080" {
		t.Errorf("AddrString: got %q", got)
	}
	if got := AddrString([4]byte{0, 0, 0, 0}, 0); got != "0.0.0.0:0" {
		t.Errorf("AddrString zero: got %q", got)
	}
}

func TestStackMetricsCounters(t *testing.T) {
	var m StackMetrics

	m.AddCreated()
	m.AddCreated()
	m.AddClosed()
	if m.ActiveConnections() != 1 {
		t.Errorf("active: got %d", m.ActiveConnections())
	}
	if m.ConnectionsCreated() != 2 || m.ConnectionsClosed() != 1 {
		t.Errorf("created/closed: %d/%d", m.ConnectionsCreated(), m.ConnectionsClosed())
	}

	m.AddSegmentSent(100)
	m.AddSegmentSent(0)
	m.AddSegmentReceived(50)
	if m.TotalSegmentsSent() != 2 || m.TotalBytesSent() != 100 {
		t.Errorf("sent: %d segments, %d bytes", m.TotalSegmentsSent(), m.TotalBytesSent())
	}
	if m.TotalSegmentsReceived() != 1 || m.TotalBytesReceived() != 50 {
		t.Errorf("received: %d segments, %d bytes", m.TotalSegmentsReceived(), m.TotalBytesReceived())
	}

	m.AddRetransmit()
	m.AddChecksumDrop()
	m.AddMalformedDrop()
	m.AddResetSent()
	m.AddSendError()
	if m.TotalRetransmits() != 1 || m.TotalChecksumDrops() != 1 || m.TotalMalformedDrops() != 1 {
		t.Error("drop counters wrong")
	}
	if m.TotalResetsSent() != 1 || m.TotalSendErrors() != 1 {
		t.Error("reset/send-error counters wrong")
	}
}
