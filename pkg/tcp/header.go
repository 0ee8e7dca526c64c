package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/irctrakz/tcpstack/pkg/core"
)

// TCP flag bits as carried in byte 13 of the header.
const (
	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
	FlagECE = 0x40
	FlagCWR = 0x80
)

// headerLen is the fixed TCP header size in bytes.
const headerLen = 20

// maxOptionsLen is the maximum size of the options block (data offset 15).
const maxOptionsLen = 40

// Header is the fixed portion of a TCP header in host byte order.
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // header length in 32-bit words, 5..15
	Flags      uint8
	Window     uint16
	Checksum   uint16
	UrgentPtr  uint16
}

// HasFlag reports whether all bits of f are set.
func (h *Header) HasFlag(f uint8) bool { return h.Flags&f == f }

// Segment is one TCP segment: header, raw encoded options and payload.
// Segments are ephemeral; they are built per send and per receive.
type Segment struct {
	Header  Header
	Options []byte
	Payload []byte
}

// SeqLen returns the sequence space the segment occupies: payload bytes
// plus one for SYN and one for FIN.
func (s *Segment) SeqLen() int {
	n := len(s.Payload)
	if s.Header.HasFlag(FlagSYN) {
		n++
	}
	if s.Header.HasFlag(FlagFIN) {
		n++
	}
	return n
}

// Encode serializes the segment in network byte order. The data offset is
// derived from the options length; the checksum field is written as stored
// (use EncodeWithChecksum to fill it in).
func (s *Segment) Encode() []byte {
	opts := s.Options
	if len(opts) > maxOptionsLen {
		opts = opts[:maxOptionsLen]
	}
	off := uint8(5 + len(opts)/4)
	s.Header.DataOffset = off

	b := make([]byte, headerLen+len(opts)+len(s.Payload))
	binary.BigEndian.PutUint16(b[0:2], s.Header.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], s.Header.DstPort)
	binary.BigEndian.PutUint32(b[4:8], s.Header.Seq)
	binary.BigEndian.PutUint32(b[8:12], s.Header.Ack)
	binary.BigEndian.PutUint16(b[12:14], uint16(off)<<12|uint16(s.Header.Flags))
	binary.BigEndian.PutUint16(b[14:16], s.Header.Window)
	binary.BigEndian.PutUint16(b[16:18], s.Header.Checksum)
	binary.BigEndian.PutUint16(b[18:20], s.Header.UrgentPtr)
	copy(b[headerLen:], opts)
	copy(b[headerLen+len(opts):], s.Payload)
	return b
}

// EncodeWithChecksum serializes the segment and fills in the checksum
// computed over the pseudo-header for src->dst.
func (s *Segment) EncodeWithChecksum(src, dst [4]byte) []byte {
	s.Header.Checksum = 0
	b := s.Encode()
	ck := Checksum(src, dst, b)
	s.Header.Checksum = ck
	binary.BigEndian.PutUint16(b[16:18], ck)
	return b
}

// DecodeSegment parses a TCP segment. It rejects buffers shorter than the
// fixed header and data offsets outside 5..15 words or beyond the buffer.
func DecodeSegment(b []byte) (*Segment, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	offFlags := binary.BigEndian.Uint16(b[12:14])
	off := int(offFlags >> 12)
	if off < 5 || off*4 > len(b) {
		return nil, fmt.Errorf("%w: data offset %d", ErrMalformed, off)
	}
	seg := &Segment{
		Header: Header{
			SrcPort:    binary.BigEndian.Uint16(b[0:2]),
			DstPort:    binary.BigEndian.Uint16(b[2:4]),
			Seq:        binary.BigEndian.Uint32(b[4:8]),
			Ack:        binary.BigEndian.Uint32(b[8:12]),
			DataOffset: uint8(off),
			Flags:      uint8(offFlags & 0xff),
			Window:     binary.BigEndian.Uint16(b[14:16]),
			Checksum:   binary.BigEndian.Uint16(b[16:18]),
			UrgentPtr:  binary.BigEndian.Uint16(b[18:20]),
		},
	}
	hdrLen := off * 4
	if hdrLen > headerLen {
		seg.Options = append([]byte(nil), b[headerLen:hdrLen]...)
	}
	if len(b) > hdrLen {
		seg.Payload = append([]byte(nil), b[hdrLen:]...)
	}
	return seg, nil
}

// Checksum computes the Internet checksum of a TCP segment over the IPv4
// pseudo-header (src, dst, zero, protocol, TCP length): 16-bit one's
// complement sum with end-around carry, complemented. The checksum field
// inside segment must be zero.
func Checksum(src, dst [4]byte, segment []byte) uint16 {
	var ph [12]byte
	copy(ph[0:4], src[:])
	copy(ph[4:8], dst[:])
	ph[9] = core.ProtocolTCP
	binary.BigEndian.PutUint16(ph[10:12], uint16(len(segment)))

	sum := sum16(0, ph[:])
	sum = sum16(sum, segment)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// VerifyChecksum reports whether the checksum carried in a raw segment is
// valid for the given addresses. Segments shorter than a header never
// verify.
func VerifyChecksum(src, dst [4]byte, raw []byte) bool {
	if len(raw) < headerLen {
		return false
	}
	want := binary.BigEndian.Uint16(raw[16:18])
	scratch := append([]byte(nil), raw...)
	scratch[16], scratch[17] = 0, 0
	return Checksum(src, dst, scratch) == want
}

func sum16(sum uint32, b []byte) uint32 {
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if len(b)&1 != 0 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

// Signed-difference sequence comparisons. These avoid wraparound bugs when
// sequence numbers cross 2^32.
func seqLT(a, b uint32) bool { return int32(a-b) < 0 }
func seqLE(a, b uint32) bool { return int32(a-b) <= 0 }
