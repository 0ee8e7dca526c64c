package tcp

import (
	"time"

	"github.com/irctrakz/tcpstack/pkg/logging"
)

// State is the protocol state of a connection.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateListen:
		return "Listen"
	case StateSynSent:
		return "SynSent"
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StateFinWait1:
		return "FinWait1"
	case StateFinWait2:
		return "FinWait2"
	case StateCloseWait:
		return "CloseWait"
	case StateClosing:
		return "Closing"
	case StateLastAck:
		return "LastAck"
	case StateTimeWait:
		return "TimeWait"
	}
	return "Unknown"
}

const (
	defaultMSS    = 1460
	minMSS        = 536
	defaultRcvWnd = 65535
)

// tcbParams carries the negotiation posture a new TCB starts from.
type tcbParams struct {
	MSS              uint16
	WindowScale      uint8
	OfferWindowScale bool
	OfferSACK        bool
	OfferTimestamps  bool
	Algorithm        CongestionAlgorithm
	ReceiveWindow    uint32
	OOOLimit         int
	KeepAlive        bool
}

func defaultTCBParams() tcbParams {
	return tcbParams{
		MSS:           defaultMSS,
		ReceiveWindow: defaultRcvWnd,
		OOOLimit:      defaultOOOLimit,
	}
}

// TCB is the transmission control block: all per-connection protocol state.
// A TCB is mutated only under its owning connection's lock; nothing here is
// safe for concurrent use.
type TCB struct {
	localAddr  [4]byte
	localPort  uint16
	remoteAddr [4]byte
	remotePort uint16

	state State

	// Send sequence space. Invariant: sndUna <= sndNxt <= sndMax (mod 2^32).
	iss    uint32
	sndUna uint32
	sndNxt uint32
	sndMax uint32
	sndWL1 uint32
	sndWL2 uint32

	// Receive sequence space. rcvNxt advances only on contiguous data or an
	// accepted FIN.
	irs    uint32
	rcvNxt uint32
	rcvWnd uint32

	// Window scaling, negotiated on the SYN exchange.
	wsEnabled    bool
	wsLocalShift uint8
	wsPeerShift  uint8

	// Buffers.
	sendBuf  []byte // queued by the application, not yet segmented
	recvBuf  []byte // contiguous bytes awaiting Recv
	rtxQueue []rtxEntry
	ooo      *reassemblyBuffer

	// A close with data still queued defers the FIN until the buffer
	// drains, so the FIN takes the last sequence number.
	finPending bool

	cc     *CongestionControl
	timers []timerEntry

	// Negotiated options.
	params        tcbParams
	localMSS      uint16
	peerMSS       uint16
	sackPermitted bool
	tsEnabled     bool
	lastPeerTS    uint32
	tsBase        time.Time

	// Recovery point for fast-recovery exit (snd_max at entry).
	recoveryPoint uint32

	// Keep-alive.
	keepAliveEnabled bool
	keepAliveProbes  int

	// Urgent data mark from the most recent URG segment.
	urgentMark uint32
	urgentSet  bool

	aborted bool

	// Counters.
	bytesSent        uint64
	bytesReceived    uint64
	segmentsSent     uint64
	segmentsReceived uint64
	retransmits      uint64
}

// newTCB builds a TCB in the Closed state with the given initial send
// sequence number.
func newTCB(localAddr [4]byte, localPort uint16, iss uint32, p tcbParams, now time.Time) *TCB {
	if p.MSS == 0 {
		p.MSS = defaultMSS
	}
	if p.ReceiveWindow == 0 {
		p.ReceiveWindow = defaultRcvWnd
	}
	t := &TCB{
		localAddr: localAddr,
		localPort: localPort,
		state:     StateClosed,
		iss:       iss,
		sndUna:    iss,
		sndNxt:    iss,
		sndMax:    iss,
		rcvWnd:    p.ReceiveWindow,
		params:    p,
		localMSS:  p.MSS,
		peerMSS:   minMSS,
		ooo:       newReassemblyBuffer(p.OOOLimit),
		cc:        NewCongestionControl(p.Algorithm, int(p.MSS)),
		tsBase:    now,
	}
	if p.OfferWindowScale {
		t.wsLocalShift = p.WindowScale
	}
	if p.KeepAlive {
		t.enableKeepAlive(now)
	}
	return t
}

func (t *TCB) State() State { return t.state }

func (t *TCB) Aborted() bool { return t.aborted }

func (t *TCB) Congestion() *CongestionControl { return t.cc }

// listen moves a Closed TCB into the Listen state.
func (t *TCB) listen() {
	t.state = StateListen
}

// connect emits the initial SYN and moves Closed -> SynSent.
func (t *TCB) connect(remoteAddr [4]byte, remotePort uint16, now time.Time) *Segment {
	t.remoteAddr = remoteAddr
	t.remotePort = remotePort
	t.state = StateSynSent
	syn := &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     t.sndNxt,
			Ack:     0,
			Flags:   FlagSYN,
			Window:  t.advertisedWindowRaw(),
		},
		Options: t.synOptionBlock(now),
	}
	t.queueRetransmit(t.sndNxt, FlagSYN, nil, now)
	t.sndNxt++
	t.sndMax = t.sndNxt
	t.segmentsSent++
	return syn
}

// close emits a FIN where the state machine allows one. Data still queued
// behind a closed window defers the FIN until the buffer drains. It returns
// nil for states where closing is a pure local transition.
func (t *TCB) close(now time.Time) *Segment {
	switch t.state {
	case StateSynReceived, StateEstablished:
		t.state = StateFinWait1
	case StateCloseWait:
		t.state = StateLastAck
	case StateListen, StateSynSent:
		t.enterClosed()
		return nil
	default:
		return nil
	}
	if len(t.sendBuf) > 0 {
		t.finPending = true
		return nil
	}
	return t.makeFIN(now)
}

// makeFIN takes the next sequence number for the FIN and queues it for
// retransmission.
func (t *TCB) makeFIN(now time.Time) *Segment {
	fin := &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     t.sndNxt,
			Ack:     t.rcvNxt,
			Flags:   FlagFIN | FlagACK,
			Window:  t.advertisedWindow(),
		},
		Options: t.dataOptionBlock(now),
	}
	t.queueRetransmit(t.sndNxt, FlagFIN|FlagACK, nil, now)
	t.sndNxt++
	if seqLT(t.sndMax, t.sndNxt) {
		t.sndMax = t.sndNxt
	}
	t.segmentsSent++
	return fin
}

// sendData queues application data and emits as much of it as the send
// window permits, segmented at the peer's MSS.
func (t *TCB) sendData(data []byte, now time.Time) []*Segment {
	t.sendBuf = append(t.sendBuf, data...)
	return t.flushSendBuffer(now)
}

// flushSendBuffer segments queued bytes through the congestion gate. A
// zero effective window arms the persist timer instead of blocking.
func (t *TCB) flushSendBuffer(now time.Time) []*Segment {
	var out []*Segment
	mss := int(t.peerMSS)
	if mss <= 0 {
		mss = minMSS
	}
	for len(t.sendBuf) > 0 {
		win := t.cc.EffectiveWindow()
		if win <= 0 {
			if !t.timerArmed(TimerPersist) {
				t.setTimer(TimerPersist, persistMin, now)
			}
			break
		}
		n := len(t.sendBuf)
		if n > mss {
			n = mss
		}
		if n > win {
			n = win
		}
		chunk := append([]byte(nil), t.sendBuf[:n]...)
		t.sendBuf = t.sendBuf[n:]

		seg := &Segment{
			Header: Header{
				SrcPort: t.localPort,
				DstPort: t.remotePort,
				Seq:     t.sndNxt,
				Ack:     t.rcvNxt,
				Flags:   FlagACK | FlagPSH,
				Window:  t.advertisedWindow(),
			},
			Options: t.dataOptionBlock(now),
			Payload: chunk,
		}
		t.queueRetransmit(t.sndNxt, FlagACK|FlagPSH, chunk, now)
		t.sndNxt += uint32(n)
		if seqLT(t.sndMax, t.sndNxt) {
			t.sndMax = t.sndNxt
		}
		t.cc.OnSent(n)
		t.bytesSent += uint64(n)
		t.segmentsSent++
		out = append(out, seg)
	}
	if t.finPending && len(t.sendBuf) == 0 {
		t.finPending = false
		out = append(out, t.makeFIN(now))
	}
	return out
}

// recv drains up to max contiguous bytes from the receive buffer. It never
// blocks.
func (t *TCB) recv(max int) []byte {
	if max <= 0 || len(t.recvBuf) == 0 {
		return nil
	}
	n := len(t.recvBuf)
	if n > max {
		n = max
	}
	data := t.recvBuf[:n]
	t.recvBuf = append([]byte(nil), t.recvBuf[n:]...)
	return data
}

// processSegment runs one inbound segment through the state machine and
// returns at most one outbound segment.
func (t *TCB) processSegment(seg *Segment, now time.Time) *Segment {
	t.segmentsReceived++
	h := &seg.Header

	switch t.state {
	case StateClosed:
		if !h.HasFlag(FlagRST) {
			return t.makeRSTFor(seg)
		}
		return nil

	case StateListen:
		if h.HasFlag(FlagRST) {
			return nil
		}
		if h.HasFlag(FlagACK) {
			return t.makeRSTFor(seg)
		}
		if h.HasFlag(FlagSYN) {
			t.takeSynOptions(parseOptions(seg.Options))
			t.irs = h.Seq
			t.rcvNxt = h.Seq + 1
			t.sndWL1 = h.Seq
			t.sndWL2 = h.Ack
			t.cc.UpdateRemoteWindow(int(h.Window))
			t.state = StateSynReceived
			return t.makeSynAck(now)
		}
		return nil

	case StateSynSent:
		return t.processSynSent(seg, now)
	}

	// Synchronized states from here on: the acceptability test applies to
	// every inbound segment.
	if !t.acceptable(h.Seq, seg.SeqLen()) {
		if h.HasFlag(FlagRST) {
			return nil
		}
		return t.makeACK(now)
	}
	if h.HasFlag(FlagRST) {
		t.abort("connection reset by peer")
		return nil
	}
	if h.HasFlag(FlagSYN) {
		// SYN inside the window means the peer lost its mind or something
		// is spoofing; tear down.
		t.abort("SYN received in synchronized state")
		return t.makeRSTFor(seg)
	}
	if !h.HasFlag(FlagACK) {
		return nil
	}

	var fastRtx *Segment
	if t.state == StateSynReceived {
		if seqLE(t.sndUna, h.Ack) && seqLE(h.Ack, t.sndNxt) {
			t.state = StateEstablished
			logging.Debugf("tcp %s established (passive)", t.flowString())
		} else {
			return t.makeRSTFor(seg)
		}
	}
	fastRtx = t.processAck(h, len(seg.Payload), now)
	if t.state == StateClosed {
		return nil
	}

	if h.HasFlag(FlagURG) {
		t.urgentMark = h.Seq + uint32(h.UrgentPtr)
		t.urgentSet = true
		logging.Debugf("tcp %s urgent data through seq=%d", t.flowString(), t.urgentMark)
	}

	finAccepted := false
	dataLen := len(seg.Payload)
	if dataLen > 0 || h.HasFlag(FlagFIN) {
		switch t.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			finAccepted = t.deliverData(h.Seq, seg.Payload, h.HasFlag(FlagFIN))
		}
	}

	if t.keepAliveEnabled {
		t.resetKeepAlive(now)
	}

	if finAccepted {
		return t.finReceived(now)
	}
	if fastRtx != nil {
		return fastRtx
	}
	if dataLen > 0 {
		// PSH or pending out-of-order data wants an immediate ACK;
		// otherwise coalesce behind the delayed-ACK timer.
		if h.HasFlag(FlagPSH) || t.ooo.len() > 0 {
			t.cancelTimer(TimerDelayedAck)
			return t.makeACK(now)
		}
		if !t.timerArmed(TimerDelayedAck) {
			t.setTimer(TimerDelayedAck, delayedAckTimeout, now)
		}
	}
	return nil
}

func (t *TCB) processSynSent(seg *Segment, now time.Time) *Segment {
	h := &seg.Header
	if h.HasFlag(FlagRST) {
		if h.HasFlag(FlagACK) && h.Ack == t.sndNxt {
			t.abort("connection refused")
		}
		return nil
	}
	if h.HasFlag(FlagSYN) && h.HasFlag(FlagACK) {
		if !(seqLT(t.iss, h.Ack) && seqLE(h.Ack, t.sndNxt)) {
			return t.makeRSTFor(seg)
		}
		t.takeSynOptions(parseOptions(seg.Options))
		t.irs = h.Seq
		t.rcvNxt = h.Seq + 1
		// RTT from the SYN round trip when timestamps were negotiated.
		if t.tsEnabled && len(t.rtxQueue) > 0 && t.rtxQueue[0].retries == 0 {
			t.cc.UpdateRTT(now.Sub(t.rtxQueue[0].sentAt))
		}
		t.sndUna = h.Ack
		t.trimRetransmitQueue(now)
		t.cancelTimer(TimerRetransmission)
		t.sndWL1 = h.Seq
		t.sndWL2 = h.Ack
		// The window on a SYN is never scaled.
		t.cc.UpdateRemoteWindow(int(h.Window))
		t.state = StateEstablished
		logging.Debugf("tcp %s established (active)", t.flowString())
		return t.makeACK(now)
	}
	if h.HasFlag(FlagSYN) {
		// Simultaneous open: our SYN is already in flight, so resend it as
		// a SYN-ACK without consuming another sequence number.
		t.takeSynOptions(parseOptions(seg.Options))
		t.irs = h.Seq
		t.rcvNxt = h.Seq + 1
		t.cc.UpdateRemoteWindow(int(h.Window))
		t.state = StateSynReceived
		t.segmentsSent++
		return &Segment{
			Header: Header{
				SrcPort: t.localPort,
				DstPort: t.remotePort,
				Seq:     t.iss,
				Ack:     t.rcvNxt,
				Flags:   FlagSYN | FlagACK,
				Window:  t.advertisedWindowRaw(),
			},
			Options: t.synOptionBlock(now),
		}
	}
	if h.HasFlag(FlagACK) {
		return t.makeRSTFor(seg)
	}
	return nil
}

// processAck applies a cumulative ACK: duplicate-ACK counting with fast
// retransmit, snd_una advancement, congestion feedback, retransmit-queue
// trimming and close-side state transitions. Returns a fast-retransmitted
// segment when the third duplicate fires.
func (t *TCB) processAck(h *Header, payloadLen int, now time.Time) *Segment {
	ack := h.Ack
	var fastRtx *Segment

	isDup := payloadLen == 0 && ack == t.sndUna && t.sndUna != t.sndMax &&
		h.Flags&(FlagSYN|FlagFIN) == 0
	switch {
	case isDup:
		if t.cc.OnDupAck() {
			t.recoveryPoint = t.sndMax
			t.retransmits++
			fastRtx = t.retransmitOldest(now)
			logging.Debugf("tcp %s fast retransmit at snd_una=%d", t.flowString(), t.sndUna)
		}

	case seqLT(t.sndUna, ack) && seqLE(ack, t.sndNxt):
		acked := ack - t.sndUna
		// Karn's rule: only never-retransmitted ranges produce RTT samples.
		if len(t.rtxQueue) > 0 {
			head := &t.rtxQueue[0]
			if head.retries == 0 && seqLE(head.seq+head.seqLen(), ack) {
				t.cc.UpdateRTT(now.Sub(head.sentAt))
			}
		}
		t.sndUna = ack
		t.cc.OnAck(int(acked), now)
		if t.cc.State() == FastRecovery && seqLE(t.recoveryPoint, ack) {
			t.cc.ExitFastRecovery()
		}
		t.trimRetransmitQueue(now)

		switch t.state {
		case StateFinWait1:
			if !t.finPending && t.sndUna == t.sndNxt {
				t.state = StateFinWait2
			}
		case StateClosing:
			if !t.finPending && t.sndUna == t.sndNxt {
				t.enterTimeWait(now)
			}
		case StateLastAck:
			if !t.finPending && t.sndUna == t.sndNxt {
				logging.Debugf("tcp %s closed", t.flowString())
				t.enterClosed()
				return nil
			}
		}
	}

	t.updateSendWindow(h)

	// A reopened window releases queued data on the next tick.
	if len(t.sendBuf) > 0 && t.timerArmed(TimerPersist) && t.cc.EffectiveWindow() > 0 {
		t.setTimer(TimerPersist, 0, now)
	}
	return fastRtx
}

// updateSendWindow applies the snd_wl1/snd_wl2 rule so stale segments
// cannot shrink the send window.
func (t *TCB) updateSendWindow(h *Header) {
	if seqLT(t.sndWL1, h.Seq) || (t.sndWL1 == h.Seq && seqLE(t.sndWL2, h.Ack)) {
		w := uint32(h.Window)
		if t.wsEnabled {
			w <<= t.wsPeerShift
		}
		t.cc.UpdateRemoteWindow(int(w))
		t.sndWL1 = h.Seq
		t.sndWL2 = h.Ack
	}
}

// acceptable implements the RFC 793 segment acceptability test with
// signed-difference comparisons.
func (t *TCB) acceptable(seq uint32, segLen int) bool {
	if segLen == 0 {
		if t.rcvWnd == 0 {
			return seq == t.rcvNxt
		}
		return seqLE(t.rcvNxt, seq) && seqLT(seq, t.rcvNxt+t.rcvWnd)
	}
	if t.rcvWnd == 0 {
		return false
	}
	inWindow := func(x uint32) bool {
		return seqLE(t.rcvNxt, x) && seqLT(x, t.rcvNxt+t.rcvWnd)
	}
	return inWindow(seq) || inWindow(seq+uint32(segLen)-1)
}

// deliverData accepts payload into the receive path: contiguous data goes
// straight to the receive buffer and drains the out-of-order map, future
// data is parked, stale data is discarded. Returns true when a FIN became
// contiguous and must now be processed.
func (t *TCB) deliverData(seq uint32, payload []byte, fin bool) bool {
	if seqLT(seq, t.rcvNxt) {
		// Stale or duplicate bytes.
		return false
	}
	if seq != t.rcvNxt {
		if !t.ooo.insert(seq, payload, fin) {
			logging.Debugf("tcp %s out-of-order buffer full, dropping seq=%d len=%d",
				t.flowString(), seq, len(payload))
		}
		return false
	}

	t.recvBuf = append(t.recvBuf, payload...)
	t.rcvNxt += uint32(len(payload))
	t.bytesReceived += uint64(len(payload))
	finAccepted := fin

	for {
		t.ooo.purge(t.rcvNxt)
		e, ok := t.ooo.take(t.rcvNxt)
		if !ok {
			break
		}
		t.recvBuf = append(t.recvBuf, e.data...)
		t.rcvNxt += uint32(len(e.data))
		t.bytesReceived += uint64(len(e.data))
		if e.fin {
			finAccepted = true
			break
		}
	}
	return finAccepted
}

// finReceived advances past the peer's FIN and maps the state forward.
func (t *TCB) finReceived(now time.Time) *Segment {
	t.rcvNxt++
	switch t.state {
	case StateSynReceived, StateEstablished:
		t.state = StateCloseWait
	case StateFinWait1:
		if !t.finPending && t.sndUna == t.sndNxt {
			t.enterTimeWait(now)
		} else {
			t.state = StateClosing
		}
	case StateFinWait2:
		t.enterTimeWait(now)
	case StateTimeWait:
		// Peer retransmitted its FIN; restart the wait.
		t.setTimer(TimerTimeWait, timeWaitDuration, now)
	}
	t.cancelTimer(TimerDelayedAck)
	logging.Debugf("tcp %s FIN accepted, state=%s", t.flowString(), t.state)
	return t.makeACK(now)
}

// retransmitOldest rebuilds the oldest unacknowledged segment against the
// current receive state.
func (t *TCB) retransmitOldest(now time.Time) *Segment {
	if len(t.rtxQueue) == 0 {
		return nil
	}
	e := &t.rtxQueue[0]
	e.retries++
	e.sentAt = now

	var opts []byte
	if e.flags&FlagSYN != 0 {
		opts = t.synOptionBlock(now)
	} else {
		opts = t.dataOptionBlock(now)
	}
	ack := t.rcvNxt
	flags := e.flags
	if t.state == StateSynSent {
		// No receive state yet; a retransmitted SYN carries no ACK.
		ack = 0
	} else if e.flags&FlagSYN != 0 {
		flags |= FlagACK
	}
	wnd := t.advertisedWindow()
	if e.flags&FlagSYN != 0 {
		wnd = t.advertisedWindowRaw()
	}
	t.segmentsSent++
	return &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     e.seq,
			Ack:     ack,
			Flags:   flags,
			Window:  wnd,
		},
		Options: opts,
		Payload: append([]byte(nil), e.payload...),
	}
}

// onTimerExpired performs the action for one fired timer and returns any
// segments to transmit.
func (t *TCB) onTimerExpired(e timerEntry, now time.Time) []*Segment {
	switch e.kind {
	case TimerRetransmission:
		if len(t.rtxQueue) == 0 {
			return nil
		}
		// The timer fired with data outstanding: that is the loss signal.
		t.cc.OnLoss()
		t.cc.BackoffRTO()
		t.retransmits++
		seg := t.retransmitOldest(now)
		t.setTimerRetries(TimerRetransmission, t.cc.RTO(), e.retries+1, now)
		logging.Debugf("tcp %s RTO retransmit seq=%d retries=%d rto=%v",
			t.flowString(), seg.Header.Seq, e.retries+1, t.cc.RTO())
		return []*Segment{seg}

	case TimerPersist:
		if t.cc.EffectiveWindow() > 0 {
			t.cancelTimer(TimerPersist)
			return t.flushSendBuffer(now)
		}
		d := persistMin << uint(e.retries)
		if d > persistMax || d <= 0 {
			d = persistMax
		}
		t.setTimerRetries(TimerPersist, d, e.retries+1, now)
		return []*Segment{t.makeProbe(now)}

	case TimerKeepAlive:
		t.keepAliveProbes++
		t.setTimerRetries(TimerKeepAlive, keepAliveInterval, e.retries+1, now)
		return []*Segment{t.makeProbe(now)}

	case TimerTimeWait:
		logging.Debugf("tcp %s time-wait expired", t.flowString())
		t.enterClosed()
		return nil

	case TimerDelayedAck:
		return []*Segment{t.makeACK(now)}
	}
	return nil
}

// enableKeepAlive arms the keep-alive timer; probes reset on any inbound
// activity.
func (t *TCB) enableKeepAlive(now time.Time) {
	t.keepAliveEnabled = true
	t.keepAliveProbes = 0
	t.setTimer(TimerKeepAlive, keepAliveInterval, now)
}

func (t *TCB) resetKeepAlive(now time.Time) {
	t.keepAliveProbes = 0
	t.setTimer(TimerKeepAlive, keepAliveInterval, now)
}

func (t *TCB) takeSynOptions(o Options) {
	if o.HasMSS {
		t.peerMSS = o.MSS
	} else {
		t.peerMSS = minMSS
	}
	t.wsEnabled = t.params.OfferWindowScale && o.HasWindowScale
	if t.wsEnabled {
		t.wsPeerShift = o.WindowScale
	}
	t.sackPermitted = t.params.OfferSACK && o.SACKPermitted
	t.tsEnabled = t.params.OfferTimestamps && o.HasTimestamps
	if o.HasTimestamps {
		t.lastPeerTS = o.TSVal
	}
}

func (t *TCB) makeSynAck(now time.Time) *Segment {
	seg := &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     t.sndNxt,
			Ack:     t.rcvNxt,
			Flags:   FlagSYN | FlagACK,
			Window:  t.advertisedWindowRaw(),
		},
		Options: t.synOptionBlock(now),
	}
	t.queueRetransmit(t.sndNxt, FlagSYN, nil, now)
	t.sndNxt++
	if seqLT(t.sndMax, t.sndNxt) {
		t.sndMax = t.sndNxt
	}
	t.segmentsSent++
	return seg
}

func (t *TCB) makeACK(now time.Time) *Segment {
	t.segmentsSent++
	return &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     t.sndNxt,
			Ack:     t.rcvNxt,
			Flags:   FlagACK,
			Window:  t.advertisedWindow(),
		},
		Options: t.dataOptionBlock(now),
	}
}

// makeProbe builds a zero-length segment one byte behind snd_nxt. The peer
// treats it as unacceptable and answers with a fresh ACK carrying its
// current window, which is exactly what persist and keep-alive want.
func (t *TCB) makeProbe(now time.Time) *Segment {
	t.segmentsSent++
	return &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     t.sndNxt - 1,
			Ack:     t.rcvNxt,
			Flags:   FlagACK,
			Window:  t.advertisedWindow(),
		},
		Options: t.dataOptionBlock(now),
	}
}

// makeRSTFor builds the reset reply for an offending segment: seq from the
// segment's ACK when it has one, otherwise RST|ACK covering its sequence
// space.
func (t *TCB) makeRSTFor(seg *Segment) *Segment {
	h := &seg.Header
	t.segmentsSent++
	if h.HasFlag(FlagACK) {
		return &Segment{
			Header: Header{
				SrcPort: t.localPort,
				DstPort: t.remotePort,
				Seq:     h.Ack,
				Flags:   FlagRST,
			},
		}
	}
	return &Segment{
		Header: Header{
			SrcPort: t.localPort,
			DstPort: t.remotePort,
			Seq:     0,
			Ack:     h.Seq + uint32(seg.SeqLen()),
			Flags:   FlagRST | FlagACK,
		},
	}
}

func (t *TCB) synOptionBlock(now time.Time) []byte {
	return synOptions(t.localMSS, t.wsLocalShift,
		t.params.OfferWindowScale, t.params.OfferSACK, t.params.OfferTimestamps,
		t.tsNow(now), t.lastPeerTS)
}

func (t *TCB) dataOptionBlock(now time.Time) []byte {
	return dataOptions(t.tsEnabled, t.tsNow(now), t.lastPeerTS)
}

// tsNow is the millisecond timestamp clock for the timestamps option.
func (t *TCB) tsNow(now time.Time) uint32 {
	return uint32(now.Sub(t.tsBase) / time.Millisecond)
}

// advertisedWindow is the receive window as carried on the wire, descaled
// by the local shift when scaling is on.
func (t *TCB) advertisedWindow() uint16 {
	w := t.rcvWnd
	if t.wsEnabled {
		w >>= t.wsLocalShift
	}
	if w > 65535 {
		w = 65535
	}
	return uint16(w)
}

// advertisedWindowRaw is the window field for SYN and SYN-ACK segments,
// which is never scaled regardless of the negotiated shift.
func (t *TCB) advertisedWindowRaw() uint16 {
	w := t.rcvWnd
	if w > 65535 {
		w = 65535
	}
	return uint16(w)
}

func (t *TCB) enterTimeWait(now time.Time) {
	t.state = StateTimeWait
	t.cancelAllTimers()
	t.setTimer(TimerTimeWait, timeWaitDuration, now)
}

func (t *TCB) enterClosed() {
	t.state = StateClosed
	t.cancelAllTimers()
	t.ooo.clear()
	t.rtxQueue = nil
	t.sendBuf = nil
	t.finPending = false
}

func (t *TCB) abort(reason string) {
	logging.Warnf("tcp %s aborted: %s", t.flowString(), reason)
	t.aborted = true
	t.enterClosed()
}

func (t *TCB) flowString() string {
	return flowString(t.localAddr, t.localPort, t.remoteAddr, t.remotePort)
}
