package core

import "sync/atomic"

// StackMetrics contains counters for a TCP stack instance. Fields are
// updated with atomics by the stack; the accessor methods exist so that
// monitoring code can consume a read-only view.
type StackMetrics struct {
	// Connections is the number of currently tracked connections
	// (listeners excluded).
	Connections int64

	// Created is the number of connections ever created.
	Created uint64

	// Closed is the number of connections fully torn down.
	Closed uint64

	// SegmentsSent / SegmentsReceived count TCP segments through the stack.
	SegmentsSent     uint64
	SegmentsReceived uint64

	// BytesSent / BytesReceived count payload bytes (headers excluded).
	BytesSent     uint64
	BytesReceived uint64

	// Retransmits counts retransmission-timeout and fast retransmissions.
	Retransmits uint64

	// ChecksumDrops counts inbound segments dropped for a bad checksum.
	ChecksumDrops uint64

	// MalformedDrops counts inbound segments that failed decoding.
	MalformedDrops uint64

	// ResetsSent counts RST segments emitted.
	ResetsSent uint64

	// SendErrors counts IP-layer send failures.
	SendErrors uint64
}

// AddCreated records a new tracked connection.
func (m *StackMetrics) AddCreated() {
	atomic.AddUint64(&m.Created, 1)
	atomic.AddInt64(&m.Connections, 1)
}

// AddClosed records a connection removed from the table.
func (m *StackMetrics) AddClosed() {
	atomic.AddUint64(&m.Closed, 1)
	atomic.AddInt64(&m.Connections, -1)
}

func (m *StackMetrics) AddSegmentSent(payloadBytes uint64) {
	atomic.AddUint64(&m.SegmentsSent, 1)
	atomic.AddUint64(&m.BytesSent, payloadBytes)
}

func (m *StackMetrics) AddSegmentReceived(payloadBytes uint64) {
	atomic.AddUint64(&m.SegmentsReceived, 1)
	atomic.AddUint64(&m.BytesReceived, payloadBytes)
}

func (m *StackMetrics) AddRetransmit() { atomic.AddUint64(&m.Retransmits, 1) }

func (m *StackMetrics) AddChecksumDrop() { atomic.AddUint64(&m.ChecksumDrops, 1) }

func (m *StackMetrics) AddMalformedDrop() { atomic.AddUint64(&m.MalformedDrops, 1) }

func (m *StackMetrics) AddResetSent() { atomic.AddUint64(&m.ResetsSent, 1) }

func (m *StackMetrics) AddSendError() { atomic.AddUint64(&m.SendErrors, 1) }

func (m *StackMetrics) ActiveConnections() int64  { return atomic.LoadInt64(&m.Connections) }
func (m *StackMetrics) ConnectionsCreated() uint64 { return atomic.LoadUint64(&m.Created) }
func (m *StackMetrics) ConnectionsClosed() uint64  { return atomic.LoadUint64(&m.Closed) }
func (m *StackMetrics) TotalSegmentsSent() uint64  { return atomic.LoadUint64(&m.SegmentsSent) }
func (m *StackMetrics) TotalSegmentsReceived() uint64 {
	return atomic.LoadUint64(&m.SegmentsReceived)
}
func (m *StackMetrics) TotalBytesSent() uint64     { return atomic.LoadUint64(&m.BytesSent) }
func (m *StackMetrics) TotalBytesReceived() uint64 { return atomic.LoadUint64(&m.BytesReceived) }
func (m *StackMetrics) TotalRetransmits() uint64   { return atomic.LoadUint64(&m.Retransmits) }
func (m *StackMetrics) TotalChecksumDrops() uint64 { return atomic.LoadUint64(&m.ChecksumDrops) }
func (m *StackMetrics) TotalMalformedDrops() uint64 {
	return atomic.LoadUint64(&m.MalformedDrops)
}
func (m *StackMetrics) TotalResetsSent() uint64 { return atomic.LoadUint64(&m.ResetsSent) }
func (m *StackMetrics) TotalSendErrors() uint64 { return atomic.LoadUint64(&m.SendErrors) }
