package tcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
)

// ConnKey identifies a connection by its full 4-tuple.
type ConnKey struct {
	LocalAddr  [4]byte
	LocalPort  uint16
	RemoteAddr [4]byte
	RemotePort uint16
}

func (k ConnKey) String() string {
	return flowString(k.LocalAddr, k.LocalPort, k.RemoteAddr, k.RemotePort)
}

func flowString(localAddr [4]byte, localPort uint16, remoteAddr [4]byte, remotePort uint16) string {
	return core.AddrString(localAddr, localPort) + "->" + core.AddrString(remoteAddr, remotePort)
}

// conn pairs a TCB with its lock. The lock covers every TCB access; the
// stack's table lock is never held while a conn lock is held.
type conn struct {
	mu  sync.Mutex
	tcb *TCB
}

// StackConfig tunes a Stack. Zero values pick the defaults.
type StackConfig struct {
	LocalAddr         [4]byte
	MSS               uint16
	WindowScale       uint8
	EnableWindowScale bool
	EnableSACK        bool
	EnableTimestamps  bool
	Algorithm         CongestionAlgorithm
	ReceiveWindow     uint32
	OOOLimit          int
	KeepAlive         bool
	TickInterval      time.Duration
	PcapPath          string
}

func (c *StackConfig) applyDefaults() {
	if c.MSS == 0 {
		c.MSS = defaultMSS
	}
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = defaultRcvWnd
	}
	if c.OOOLimit == 0 {
		c.OOOLimit = defaultOOOLimit
	}
	if c.TickInterval == 0 {
		c.TickInterval = 50 * time.Millisecond
	}
	if c.WindowScale > maxWindowShift {
		c.WindowScale = maxWindowShift
	}
}

// Stack is a TCP endpoint: it demultiplexes inbound segments to
// connections, owns the listener and connection tables, and pushes
// outbound segments through an IP sender. All methods are safe for
// concurrent use.
type Stack struct {
	cfg    StackConfig
	sender core.IPSender

	mu        sync.RWMutex
	listeners map[uint16]struct{}
	conns     map[ConnKey]*conn
	nextPort  uint16

	isn     *isnGenerator
	metrics core.StackMetrics
	pcap    *pcapWriter

	now    func() time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewStack builds a stack bound to cfg.LocalAddr. Segments are transmitted
// through sender; inbound packets are fed via HandleInbound.
func NewStack(cfg StackConfig, sender core.IPSender) (*Stack, error) {
	cfg.applyDefaults()
	s := &Stack{
		cfg:       cfg,
		sender:    sender,
		listeners: make(map[uint16]struct{}),
		conns:     make(map[ConnKey]*conn),
		nextPort:  49152,
		isn:       newISNGenerator(),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	if cfg.PcapPath != "" {
		w, err := newPcapWriter(cfg.PcapPath)
		if err != nil {
			return nil, fmt.Errorf("opening pcap %s: %w", cfg.PcapPath, err)
		}
		s.pcap = w
	}
	return s, nil
}

// Metrics exposes the stack's counters.
func (s *Stack) Metrics() *core.StackMetrics { return &s.metrics }

// Start launches the timer tick loop.
func (s *Stack) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.AdvanceTime(s.now())
			}
		}
	}()
	logging.Infof("tcp stack started on %s", core.AddrString(s.cfg.LocalAddr, 0))
}

// Stop halts the tick loop and closes the pcap file if one is open.
func (s *Stack) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	if s.pcap != nil {
		s.pcap.Close()
	}
	logging.Infof("tcp stack stopped")
}

// Listen opens a passive port.
func (s *Stack) Listen(port uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[port]; ok {
		return fmt.Errorf("port %d: %w", port, ErrPortInUse)
	}
	s.listeners[port] = struct{}{}
	logging.Infof("tcp listening on port %d", port)
	return nil
}

// Connect opens an active connection and sends the SYN. A zero localPort
// picks an ephemeral port.
func (s *Stack) Connect(localPort uint16, remoteAddr [4]byte, remotePort uint16) (ConnKey, error) {
	now := s.now()

	s.mu.Lock()
	if localPort == 0 {
		localPort = s.allocEphemeralLocked(remoteAddr, remotePort)
	}
	key := ConnKey{s.cfg.LocalAddr, localPort, remoteAddr, remotePort}
	if _, ok := s.conns[key]; ok {
		s.mu.Unlock()
		return ConnKey{}, fmt.Errorf("%s: %w", key, ErrPortInUse)
	}
	iss := s.isn.next(s.cfg.LocalAddr, localPort, remoteAddr, remotePort, now)
	t := newTCB(s.cfg.LocalAddr, localPort, iss, s.tcbParams(), now)
	c := &conn{tcb: t}
	s.conns[key] = c
	s.mu.Unlock()

	s.metrics.AddCreated()

	c.mu.Lock()
	syn := t.connect(remoteAddr, remotePort, now)
	c.mu.Unlock()

	s.transmit(key, syn)
	logging.Infof("tcp connecting %s", key)
	return key, nil
}

// Send queues data on an established connection.
func (s *Stack) Send(key ConnKey, data []byte) error {
	c := s.lookup(key)
	if c == nil {
		return fmt.Errorf("%s: %w", key, ErrConnectionNotFound)
	}
	c.mu.Lock()
	st := c.tcb.state
	if st != StateEstablished {
		c.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", key, st, ErrNotEstablished)
	}
	segs := c.tcb.sendData(data, s.now())
	c.mu.Unlock()

	for _, seg := range segs {
		s.transmit(key, seg)
	}
	return nil
}

// Recv drains up to max bytes already reassembled for the connection. It
// never blocks; an empty slice means no data is pending.
func (s *Stack) Recv(key ConnKey, max int) ([]byte, error) {
	c := s.lookup(key)
	if c == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrConnectionNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcb.recv(max), nil
}

// Close starts an orderly shutdown of the connection.
func (s *Stack) Close(key ConnKey) error {
	c := s.lookup(key)
	if c == nil {
		return fmt.Errorf("%s: %w", key, ErrConnectionNotFound)
	}
	c.mu.Lock()
	fin := c.tcb.close(s.now())
	closed := c.tcb.state == StateClosed
	c.mu.Unlock()

	if fin != nil {
		s.transmit(key, fin)
	}
	if closed {
		s.remove(key)
	}
	return nil
}

// ConnState reports the protocol state of a connection.
func (s *Stack) ConnState(key ConnKey) (State, error) {
	c := s.lookup(key)
	if c == nil {
		return StateClosed, fmt.Errorf("%s: %w", key, ErrConnectionNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tcb.state, nil
}

// HandleInbound feeds one IP packet into the stack. Checksum failures and
// malformed segments are counted and dropped; segments for unknown
// connections draw a RST unless they carry one.
func (s *Stack) HandleInbound(pkt core.IPPacket) {
	if pkt.Protocol != core.ProtocolTCP {
		return
	}
	if !VerifyChecksum(pkt.Src, pkt.Dst, pkt.Payload) {
		s.metrics.AddChecksumDrop()
		logging.Debugf("tcp dropping segment from %s: bad checksum", core.AddrString(pkt.Src, 0))
		return
	}
	seg, err := DecodeSegment(pkt.Payload)
	if err != nil {
		s.metrics.AddMalformedDrop()
		logging.Debugf("tcp dropping segment from %s: %v", core.AddrString(pkt.Src, 0), err)
		return
	}
	s.capture(pkt)
	s.metrics.AddSegmentReceived(uint64(len(seg.Payload)))

	key := ConnKey{pkt.Dst, seg.Header.DstPort, pkt.Src, seg.Header.SrcPort}
	now := s.now()

	c := s.lookup(key)
	if c == nil {
		c = s.accept(key, seg, now)
	}
	if c == nil {
		if !seg.Header.HasFlag(FlagRST) {
			s.sendReset(key, seg)
		}
		return
	}

	c.mu.Lock()
	reply := c.tcb.processSegment(seg, now)
	closed := c.tcb.state == StateClosed
	c.mu.Unlock()

	if reply != nil {
		s.transmit(key, reply)
	}
	if closed {
		s.remove(key)
	}
}

// accept creates a connection for a SYN aimed at an open listener.
func (s *Stack) accept(key ConnKey, seg *Segment, now time.Time) *conn {
	h := &seg.Header
	if !h.HasFlag(FlagSYN) || h.HasFlag(FlagACK) || h.HasFlag(FlagRST) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[key.LocalPort]; !ok {
		return nil
	}
	if c, ok := s.conns[key]; ok {
		return c
	}
	iss := s.isn.next(key.LocalAddr, key.LocalPort, key.RemoteAddr, key.RemotePort, now)
	t := newTCB(key.LocalAddr, key.LocalPort, iss, s.tcbParams(), now)
	t.remoteAddr = key.RemoteAddr
	t.remotePort = key.RemotePort
	t.listen()
	c := &conn{tcb: t}
	s.conns[key] = c
	s.metrics.AddCreated()
	logging.Infof("tcp accepting %s", key)
	return c
}

// AdvanceTime fires every expired timer across all connections and
// transmits whatever they produce. Tests drive this directly; Start runs
// it on a ticker.
func (s *Stack) AdvanceTime(now time.Time) {
	s.mu.RLock()
	keys := make([]ConnKey, 0, len(s.conns))
	conns := make([]*conn, 0, len(s.conns))
	for k, c := range s.conns {
		keys = append(keys, k)
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for i, c := range conns {
		c.mu.Lock()
		expired := c.tcb.checkTimers(now)
		var segs []*Segment
		for _, e := range expired {
			segs = append(segs, c.tcb.onTimerExpired(e, now)...)
			if e.kind == TimerRetransmission {
				s.metrics.AddRetransmit()
			}
		}
		closed := c.tcb.state == StateClosed
		c.mu.Unlock()

		for _, seg := range segs {
			s.transmit(keys[i], seg)
		}
		if closed {
			s.remove(keys[i])
		}
	}
}

func (s *Stack) lookup(key ConnKey) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[key]
}

func (s *Stack) remove(key ConnKey) {
	s.mu.Lock()
	_, ok := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()
	if ok {
		s.metrics.AddClosed()
		logging.Debugf("tcp removed %s", key)
	}
}

func (s *Stack) allocEphemeralLocked(remoteAddr [4]byte, remotePort uint16) uint16 {
	for i := 0; i < 16384; i++ {
		port := s.nextPort
		s.nextPort++
		if s.nextPort == 0 {
			s.nextPort = 49152
		}
		key := ConnKey{s.cfg.LocalAddr, port, remoteAddr, remotePort}
		if _, ok := s.conns[key]; !ok {
			return port
		}
	}
	return s.nextPort
}

func (s *Stack) tcbParams() tcbParams {
	return tcbParams{
		MSS:              s.cfg.MSS,
		WindowScale:      s.cfg.WindowScale,
		OfferWindowScale: s.cfg.EnableWindowScale,
		OfferSACK:        s.cfg.EnableSACK,
		OfferTimestamps:  s.cfg.EnableTimestamps,
		Algorithm:        s.cfg.Algorithm,
		ReceiveWindow:    s.cfg.ReceiveWindow,
		OOOLimit:         s.cfg.OOOLimit,
		KeepAlive:        s.cfg.KeepAlive,
	}
}

// transmit checksums, captures and ships one segment. Send failures are
// logged and counted, never surfaced to the state machine.
func (s *Stack) transmit(key ConnKey, seg *Segment) {
	data := seg.EncodeWithChecksum(key.LocalAddr, key.RemoteAddr)
	pkt := core.IPPacket{
		Src:      key.LocalAddr,
		Dst:      key.RemoteAddr,
		Protocol: core.ProtocolTCP,
		Payload:  data,
	}
	s.capture(pkt)
	if seg.Header.HasFlag(FlagRST) {
		s.metrics.AddResetSent()
	}
	s.metrics.AddSegmentSent(uint64(len(seg.Payload)))
	if err := s.sender.SendIPPacket(pkt); err != nil {
		s.metrics.AddSendError()
		logging.Warnf("tcp send %s: %v", key, err)
	}
}

// sendReset answers a segment for a nonexistent connection.
func (s *Stack) sendReset(key ConnKey, seg *Segment) {
	t := &TCB{
		localAddr:  key.LocalAddr,
		localPort:  key.LocalPort,
		remoteAddr: key.RemoteAddr,
		remotePort: key.RemotePort,
	}
	s.transmit(key, t.makeRSTFor(seg))
}

func (s *Stack) capture(pkt core.IPPacket) {
	if s.pcap == nil {
		return
	}
	if err := s.pcap.WritePacket(pkt, s.now()); err != nil {
		logging.Debugf("pcap write: %v", err)
	}
}
