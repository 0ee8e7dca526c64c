package tcp

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/irctrakz/tcpstack/pkg/core"
)

var (
	clientAddr = [4]byte{10, 0, 0, 2}
	serverAddr = [4]byte{10, 0, 0, 1}
)

type senderFunc func(core.IPPacket) error

func (f senderFunc) SendIPPacket(pkt core.IPPacket) error { return f(pkt) }

// fakeClock drives both stacks deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

// link connects two stacks directly, with an optional per-packet drop hook.
type link struct {
	mu   sync.Mutex
	drop func(core.IPPacket) bool
	to   *Stack
}

func (l *link) SendIPPacket(pkt core.IPPacket) error {
	l.mu.Lock()
	drop := l.drop
	to := l.to
	l.mu.Unlock()
	if drop != nil && drop(pkt) {
		return nil
	}
	to.HandleInbound(pkt)
	return nil
}

func (l *link) setDrop(f func(core.IPPacket) bool) {
	l.mu.Lock()
	l.drop = f
	l.mu.Unlock()
}

// newPair wires a client and a server stack over direct in-memory links.
func newPair(t *testing.T) (client, server *Stack, clientLink, serverLink *link, clk *fakeClock) {
	t.Helper()
	clk = newFakeClock()
	clientLink = &link{} // client's outbound, delivered to server
	serverLink = &link{}

	var err error
	server, err = NewStack(StackConfig{LocalAddr: serverAddr}, serverLink)
	if err != nil {
		t.Fatalf("server stack: %v", err)
	}
	client, err = NewStack(StackConfig{LocalAddr: clientAddr}, clientLink)
	if err != nil {
		t.Fatalf("client stack: %v", err)
	}
	server.now = clk.Now
	client.now = clk.Now
	clientLink.to = server
	serverLink.to = client
	return client, server, clientLink, serverLink, clk
}

func mustState(t *testing.T, s *Stack, key ConnKey, want State) {
	t.Helper()
	got, err := s.ConnState(key)
	if err != nil {
		t.Fatalf("ConnState(%s): %v", key, err)
	}
	if got != want {
		t.Fatalf("state of %s: got %s, want %s", key, got, want)
	}
}

func TestEndToEndConnectSendClose(t *testing.T) {
	client, server, _, _, clk := newPair(t)

	if err := server.Listen(PortHTTP); err != nil {
		t.Fatalf("listen: %v", err)
	}

	key, err := client.Connect(0, serverAddr, PortHTTP)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	// The handshake completes synchronously over the direct link.
	mustState(t, client, key, StateEstablished)

	serverKey := ConnKey{serverAddr, PortHTTP, clientAddr, key.LocalPort}
	mustState(t, server, serverKey, StateEstablished)

	// Client to server.
	if err := client.Send(key, []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := server.Recv(serverKey, 100)
	if err != nil || string(got) != "ping" {
		t.Fatalf("server recv: %q err=%v", got, err)
	}

	// Server to client.
	if err := server.Send(serverKey, []byte("pong")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err = client.Recv(key, 100)
	if err != nil || string(got) != "pong" {
		t.Fatalf("client recv: %q err=%v", got, err)
	}

	// Orderly teardown, client first.
	if err := client.Close(key); err != nil {
		t.Fatalf("client close: %v", err)
	}
	mustState(t, server, serverKey, StateCloseWait)
	if err := server.Close(serverKey); err != nil {
		t.Fatalf("server close: %v", err)
	}
	mustState(t, client, key, StateTimeWait)

	// The server side is fully closed and reaped.
	if _, err := server.ConnState(serverKey); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("server conn not reaped: %v", err)
	}

	// 2MSL later the client side goes too.
	client.AdvanceTime(clk.Advance(timeWaitDuration + time.Second))
	if _, err := client.ConnState(key); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("client conn not reaped after time-wait: %v", err)
	}

	if server.Metrics().ConnectionsCreated() != 1 || server.Metrics().ConnectionsClosed() != 1 {
		t.Errorf("server conn counters: created=%d closed=%d",
			server.Metrics().ConnectionsCreated(), server.Metrics().ConnectionsClosed())
	}
}

func TestListenPortInUse(t *testing.T) {
	_, server, _, _, _ := newPair(t)
	if err := server.Listen(PortSSH); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := server.Listen(PortSSH); !errors.Is(err, ErrPortInUse) {
		t.Errorf("second listen: got %v, want ErrPortInUse", err)
	}
}

func TestSendErrors(t *testing.T) {
	client, server, clientLink, _, _ := newPair(t)
	if err := server.Listen(PortHTTP); err != nil {
		t.Fatalf("listen: %v", err)
	}

	unknown := ConnKey{clientAddr, 1, serverAddr, 2}
	if err := client.Send(unknown, []byte("x")); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("unknown key: got %v", err)
	}
	if _, err := client.Recv(unknown, 10); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("recv unknown key: got %v", err)
	}

	// Black-hole the link so the handshake cannot complete.
	clientLink.setDrop(func(core.IPPacket) bool { return true })
	key, err := client.Connect(0, serverAddr, PortHTTP)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	mustState(t, client, key, StateSynSent)
	if err := client.Send(key, []byte("x")); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("send in SynSent: got %v", err)
	}
}

func TestUnknownSegmentDrawsReset(t *testing.T) {
	_, server, _, _, _ := newPair(t)

	// A stray ACK to a port nobody listens on.
	stray := &Segment{Header: Header{
		SrcPort: 40000, DstPort: 4242, Seq: 77, Ack: 88, Flags: FlagACK, Window: 100,
	}}
	var rst *Segment
	server.sender = senderFunc(func(pkt core.IPPacket) error {
		seg, err := DecodeSegment(pkt.Payload)
		if err == nil {
			rst = seg
		}
		return nil
	})
	server.HandleInbound(core.IPPacket{
		Src: clientAddr, Dst: serverAddr, Protocol: core.ProtocolTCP,
		Payload: stray.EncodeWithChecksum(clientAddr, serverAddr),
	})

	if rst == nil || !rst.Header.HasFlag(FlagRST) {
		t.Fatalf("no RST for stray segment: %+v", rst)
	}
	// The RST takes its sequence from the offending ACK.
	if rst.Header.Seq != 88 {
		t.Errorf("RST seq: got %d, want 88", rst.Header.Seq)
	}
	if server.Metrics().TotalResetsSent() != 1 {
		t.Errorf("resets counter: %d", server.Metrics().TotalResetsSent())
	}

	// A stray RST is dropped without a reply.
	rst = nil
	strayRST := &Segment{Header: Header{
		SrcPort: 40000, DstPort: 4242, Seq: 77, Flags: FlagRST,
	}}
	server.HandleInbound(core.IPPacket{
		Src: clientAddr, Dst: serverAddr, Protocol: core.ProtocolTCP,
		Payload: strayRST.EncodeWithChecksum(clientAddr, serverAddr),
	})
	if rst != nil {
		t.Errorf("stray RST drew a reply: %+v", rst.Header)
	}
}

func TestInboundValidation(t *testing.T) {
	_, server, _, _, _ := newPair(t)

	// Non-TCP protocol is ignored outright.
	server.HandleInbound(core.IPPacket{Src: clientAddr, Dst: serverAddr, Protocol: 17, Payload: []byte("datagram")})

	// Corrupted checksum.
	seg := &Segment{Header: Header{SrcPort: 1, DstPort: 2, Flags: FlagACK}}
	raw := seg.EncodeWithChecksum(clientAddr, serverAddr)
	raw[4] ^= 0xff
	server.HandleInbound(core.IPPacket{Src: clientAddr, Dst: serverAddr, Protocol: core.ProtocolTCP, Payload: raw})
	if got := server.Metrics().TotalChecksumDrops(); got != 1 {
		t.Errorf("checksum drops: %d", got)
	}

	// Truncated segment: too short to even verify.
	server.HandleInbound(core.IPPacket{Src: clientAddr, Dst: serverAddr, Protocol: core.ProtocolTCP, Payload: make([]byte, 10)})
	if got := server.Metrics().TotalChecksumDrops(); got != 2 {
		t.Errorf("short segment drops: %d", got)
	}
}

func TestRetransmissionAcrossLoss(t *testing.T) {
	client, server, clientLink, _, clk := newPair(t)
	if err := server.Listen(PortHTTP); err != nil {
		t.Fatalf("listen: %v", err)
	}
	key, err := client.Connect(0, serverAddr, PortHTTP)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	mustState(t, client, key, StateEstablished)
	serverKey := ConnKey{serverAddr, PortHTTP, clientAddr, key.LocalPort}

	// Drop exactly one data segment.
	dropped := false
	clientLink.setDrop(func(pkt core.IPPacket) bool {
		seg, err := DecodeSegment(pkt.Payload)
		if err != nil || len(seg.Payload) == 0 || dropped {
			return false
		}
		dropped = true
		return true
	})

	if err := client.Send(key, []byte("lost then found")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, _ := server.Recv(serverKey, 100); len(got) != 0 {
		t.Fatalf("dropped segment was delivered: %q", got)
	}

	// Let the retransmission timer fire.
	client.AdvanceTime(clk.Advance(2 * time.Second))
	got, err := server.Recv(serverKey, 100)
	if err != nil || string(got) != "lost then found" {
		t.Fatalf("after RTO: %q err=%v", got, err)
	}
	if client.Metrics().TotalRetransmits() == 0 {
		t.Error("retransmit counter not bumped")
	}
}

func TestConnectDuplicate(t *testing.T) {
	client, server, _, _, _ := newPair(t)
	if err := server.Listen(PortHTTP); err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := client.Connect(5555, serverAddr, PortHTTP); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := client.Connect(5555, serverAddr, PortHTTP); !errors.Is(err, ErrPortInUse) {
		t.Errorf("duplicate connect: got %v, want ErrPortInUse", err)
	}
}

func TestISNDistinctness(t *testing.T) {
	g := newISNGenerator()
	now := time.Now()
	a := g.next([4]byte{10, 0, 0, 1}, 1000, [4]byte{10, 0, 0, 2}, 80, now)
	b := g.next([4]byte{10, 0, 0, 1}, 1001, [4]byte{10, 0, 0, 2}, 80, now)
	if a == b {
		t.Error("different tuples produced identical ISNs")
	}
	// Same tuple later in time moves forward.
	c := g.next([4]byte{10, 0, 0, 1}, 1000, [4]byte{10, 0, 0, 2}, 80, now.Add(time.Second))
	if c == a {
		t.Error("ISN clock not advancing")
	}
}

func TestSendRejectedAfterPeerFin(t *testing.T) {
	client, server, _, _, _ := newPair(t)
	if err := server.Listen(PortHTTP); err != nil {
		t.Fatalf("listen: %v", err)
	}
	key, err := client.Connect(0, serverAddr, PortHTTP)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	mustState(t, client, key, StateEstablished)
	serverKey := ConnKey{serverAddr, PortHTTP, clientAddr, key.LocalPort}

	// The client's FIN leaves the server half-closed in CloseWait, where
	// sending is no longer allowed.
	if err := client.Close(key); err != nil {
		t.Fatalf("client close: %v", err)
	}
	mustState(t, server, serverKey, StateCloseWait)
	if err := server.Send(serverKey, []byte("late")); !errors.Is(err, ErrNotEstablished) {
		t.Errorf("send in CloseWait: got %v, want ErrNotEstablished", err)
	}
}
