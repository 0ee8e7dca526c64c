package tcp

import (
	"encoding/binary"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/irctrakz/tcpstack/pkg/core"
)

// pcapWriter writes DLT_RAW IPv4 frames so captures open directly in
// wireshark/tcpdump. Segments are wrapped in a minimal IPv4 header at
// write time.
type pcapWriter struct {
	mu sync.Mutex
	f  *os.File
}

func newPcapWriter(path string) (*pcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	// Global header: magic 0xa1b2c3d4, version 2.4, snaplen 65535,
	// network LINKTYPE_RAW (101).
	hdr := make([]byte, 24)
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], 65535)
	binary.LittleEndian.PutUint32(hdr[20:24], 101)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, err
	}
	return &pcapWriter{f: f}, nil
}

// WritePacket frames pkt as IPv4 and appends one capture record.
func (w *pcapWriter) WritePacket(pkt core.IPPacket, now time.Time) error {
	iph := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(pkt.Payload),
		TTL:      64,
		Protocol: int(pkt.Protocol),
		Src:      net.IP(pkt.Src[:]),
		Dst:      net.IP(pkt.Dst[:]),
	}
	hb, err := iph.Marshal()
	if err != nil {
		return err
	}
	frame := append(hb, pkt.Payload...)

	ph := make([]byte, 16)
	binary.LittleEndian.PutUint32(ph[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(ph[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(ph[8:12], uint32(len(frame)))
	binary.LittleEndian.PutUint32(ph[12:16], uint32(len(frame)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(ph); err != nil {
		return err
	}
	_, err = w.f.Write(frame)
	return err
}

func (w *pcapWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
