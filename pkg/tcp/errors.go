package tcp

import "errors"

// API and decode errors. Protocol-level anomalies (bad sequence numbers,
// unexpected flags) never surface here; they are answered on the wire with
// an ACK or RST instead.
var (
	// ErrMalformed marks a segment shorter than the fixed header or with a
	// data offset outside the buffer. Such segments are dropped without a
	// reply.
	ErrMalformed = errors.New("tcp: malformed segment")

	// ErrPortInUse is returned by Listen for an already-bound port.
	ErrPortInUse = errors.New("tcp: port already in use")

	// ErrConnectionNotFound is returned by Send/Recv/Close for an unknown
	// connection key.
	ErrConnectionNotFound = errors.New("tcp: connection not found")

	// ErrNotEstablished is returned by Send when the connection is not in
	// the Established state.
	ErrNotEstablished = errors.New("tcp: connection not established")
)
