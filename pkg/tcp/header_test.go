package tcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	testSrc = [4]byte{10, 0, 0, 1}
	testDst = [4]byte{10, 0, 0, 2}
)

func TestSegmentRoundTrip(t *testing.T) {
	seg := &Segment{
		Header: Header{
			SrcPort:   49200,
			DstPort:   PortHTTP,
			Seq:       0xdeadbeef,
			Ack:       0x01020304,
			Flags:     FlagACK | FlagPSH,
			Window:    8192,
			UrgentPtr: 7,
		},
		Options: synOptions(1460, 7, true, true, false, 0, 0),
		Payload: []byte("GET / HTTP/1.0\r\n\r\n"),
	}
	raw := seg.Encode()

	got, err := DecodeSegment(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Header != seg.Header {
		t.Errorf("header mismatch: got %+v want %+v", got.Header, seg.Header)
	}
	if !bytes.Equal(got.Options, seg.Options) {
		t.Errorf("options mismatch: got %x want %x", got.Options, seg.Options)
	}
	if !bytes.Equal(got.Payload, seg.Payload) {
		t.Errorf("payload mismatch: got %q want %q", got.Payload, seg.Payload)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := DecodeSegment(make([]byte, 19)); !errors.Is(err, ErrMalformed) {
		t.Errorf("short segment: got %v, want ErrMalformed", err)
	}

	// Data offset below 5 words.
	raw := (&Segment{Header: Header{Flags: FlagACK}}).Encode()
	raw[12] = 4 << 4
	if _, err := DecodeSegment(raw); !errors.Is(err, ErrMalformed) {
		t.Errorf("offset 4: got %v, want ErrMalformed", err)
	}

	// Data offset beyond the buffer.
	raw = (&Segment{Header: Header{Flags: FlagACK}}).Encode()
	raw[12] = 15 << 4
	if _, err := DecodeSegment(raw); !errors.Is(err, ErrMalformed) {
		t.Errorf("offset past end: got %v, want ErrMalformed", err)
	}
}

func TestSeqLen(t *testing.T) {
	cases := []struct {
		flags   uint8
		payload int
		want    int
	}{
		{FlagACK, 0, 0},
		{FlagACK, 100, 100},
		{FlagSYN, 0, 1},
		{FlagSYN | FlagACK, 0, 1},
		{FlagFIN | FlagACK, 0, 1},
		{FlagSYN | FlagFIN, 10, 12},
	}
	for _, c := range cases {
		seg := &Segment{Header: Header{Flags: c.flags}, Payload: make([]byte, c.payload)}
		if got := seg.SeqLen(); got != c.want {
			t.Errorf("flags=%#x payload=%d: got %d, want %d", c.flags, c.payload, got, c.want)
		}
	}
}

func TestChecksumVerify(t *testing.T) {
	seg := &Segment{
		Header:  Header{SrcPort: 1234, DstPort: 80, Seq: 1, Ack: 2, Flags: FlagACK, Window: 1000},
		Payload: []byte("odd length payload!"),
	}
	raw := seg.EncodeWithChecksum(testSrc, testDst)
	if !VerifyChecksum(testSrc, testDst, raw) {
		t.Fatal("freshly encoded segment failed verification")
	}

	// Any flipped bit must fail.
	raw[len(raw)-1] ^= 0x01
	if VerifyChecksum(testSrc, testDst, raw) {
		t.Error("corrupted payload passed verification")
	}
	raw[len(raw)-1] ^= 0x01
	raw[4] ^= 0x80
	if VerifyChecksum(testSrc, testDst, raw) {
		t.Error("corrupted seq passed verification")
	}

	// Wrong pseudo-header addresses must fail too.
	raw[4] ^= 0x80
	if VerifyChecksum(testDst, testSrc, raw) {
		t.Error("swapped addresses passed verification")
	}
}

// Cross-check the codec against gopacket's serializer: same fields, same
// bytes, same checksum.
func TestEncodeMatchesGopacket(t *testing.T) {
	payload := []byte("hello world")
	seg := &Segment{
		Header: Header{
			SrcPort: 4000,
			DstPort: 80,
			Seq:     100,
			Ack:     200,
			Flags:   FlagACK | FlagPSH,
			Window:  1024,
		},
		Payload: payload,
	}
	raw := seg.EncodeWithChecksum(testSrc, testDst)

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(testSrc[:]),
		DstIP:    net.IP(testDst[:]),
	}
	ref := &layers.TCP{
		SrcPort: 4000,
		DstPort: 80,
		Seq:     100,
		Ack:     200,
		ACK:     true,
		PSH:     true,
		Window:  1024,
	}
	if err := ref.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("gopacket checksum setup: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}, ref, gopacket.Payload(payload))
	if err != nil {
		t.Fatalf("gopacket serialize: %v", err)
	}

	if !bytes.Equal(raw, buf.Bytes()) {
		t.Errorf("wire bytes differ:\n got %x\nwant %x", raw, buf.Bytes())
	}
	ours := binary.BigEndian.Uint16(raw[16:18])
	theirs := binary.BigEndian.Uint16(buf.Bytes()[16:18])
	if ours != theirs {
		t.Errorf("checksum: got %#04x, want %#04x", ours, theirs)
	}
}

func TestDecodeMatchesGopacket(t *testing.T) {
	seg := &Segment{
		Header: Header{
			SrcPort: 49999,
			DstPort: PortHTTPS,
			Seq:     7,
			Ack:     9,
			Flags:   FlagSYN | FlagECE | FlagCWR,
			Window:  65535,
		},
		Options: synOptions(1400, 8, true, true, true, 11, 22),
	}
	raw := seg.EncodeWithChecksum(testSrc, testDst)

	pkt := gopacket.NewPacket(raw, layers.LayerTypeTCP, gopacket.Default)
	layer := pkt.Layer(layers.LayerTypeTCP)
	if layer == nil {
		t.Fatalf("gopacket did not decode a TCP layer: %v", pkt.ErrorLayer())
	}
	ref := layer.(*layers.TCP)

	if uint16(ref.SrcPort) != seg.Header.SrcPort || uint16(ref.DstPort) != seg.Header.DstPort {
		t.Errorf("ports: got %d->%d", ref.SrcPort, ref.DstPort)
	}
	if ref.Seq != seg.Header.Seq || ref.Ack != seg.Header.Ack {
		t.Errorf("seq/ack: got %d/%d", ref.Seq, ref.Ack)
	}
	if !ref.SYN || !ref.ECE || !ref.CWR || ref.ACK || ref.FIN || ref.RST {
		t.Errorf("flags mismatch: %+v", ref)
	}
	if ref.Window != seg.Header.Window {
		t.Errorf("window: got %d", ref.Window)
	}
}

func TestSeqCompare(t *testing.T) {
	if !seqLT(1, 2) || seqLT(2, 1) {
		t.Error("basic ordering broken")
	}
	// Across the 2^32 wrap the later number is numerically smaller.
	if !seqLT(0xfffffff0, 0x10) {
		t.Error("wraparound ordering broken")
	}
	if seqLT(0x10, 0xfffffff0) {
		t.Error("wraparound reverse ordering broken")
	}
	if !seqLE(5, 5) || seqLT(5, 5) {
		t.Error("equality handling broken")
	}
}
