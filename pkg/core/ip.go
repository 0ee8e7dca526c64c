// Package core defines the narrow contracts between the TCP engine and its
// surroundings: the IP substrate it sends segments through and the shared
// counters the stack maintains.
package core

import "fmt"

// ProtocolTCP is the IPv4 protocol number for TCP.
const ProtocolTCP = 6

// IPPacket is one IP-decapsulated datagram. The engine only ever sees and
// produces these; routing, fragmentation and outer-header checksumming are
// the substrate's problem.
type IPPacket struct {
	// Src and Dst are the IPv4 addresses of the datagram.
	Src [4]byte
	Dst [4]byte

	// Protocol is the IP protocol number (ProtocolTCP for everything the
	// engine emits).
	Protocol uint8

	// Payload is the transport payload, i.e. a complete TCP segment.
	Payload []byte
}

// IPSender delivers packets toward the network. Implementations may fail;
// the engine logs failures and relies on TCP retransmission rather than
// retrying at this layer.
type IPSender interface {
	SendIPPacket(pkt IPPacket) error
}

// AddrString formats an IPv4 address and port as "a.b.c.d:port".
func AddrString(addr [4]byte, port uint16) string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", addr[0], addr[1], addr[2], addr[3], port)
}
