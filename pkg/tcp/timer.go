package tcp

import "time"

// TimerKind identifies one of the per-connection timer classes. At most one
// instance of each kind is active at a time; arming a kind replaces any
// prior instance.
type TimerKind int

const (
	TimerRetransmission TimerKind = iota
	TimerPersist
	TimerKeepAlive
	TimerTimeWait
	TimerDelayedAck
)

func (k TimerKind) String() string {
	switch k {
	case TimerRetransmission:
		return "retransmission"
	case TimerPersist:
		return "persist"
	case TimerKeepAlive:
		return "keep-alive"
	case TimerTimeWait:
		return "time-wait"
	case TimerDelayedAck:
		return "delayed-ack"
	}
	return "unknown"
}

const (
	delayedAckTimeout = 200 * time.Millisecond
	timeWaitDuration  = 120 * time.Second // 2*MSL
	persistMin        = 5 * time.Second
	persistMax        = 60 * time.Second
	keepAliveInterval = 2 * time.Hour
)

// timerEntry is one armed timer.
type timerEntry struct {
	kind    TimerKind
	expiry  time.Time
	retries int
}

// rtxEntry is one transmitted byte range awaiting acknowledgment. flags and
// payload are kept so a retransmission can be rebuilt against the current
// receive state rather than replayed with a stale ACK field.
type rtxEntry struct {
	seq     uint32
	flags   uint8
	payload []byte
	sentAt  time.Time
	retries int
}

func (e *rtxEntry) seqLen() uint32 {
	n := uint32(len(e.payload))
	if e.flags&FlagSYN != 0 {
		n++
	}
	if e.flags&FlagFIN != 0 {
		n++
	}
	return n
}

// setTimer arms kind to fire after d, replacing any existing instance and
// resetting its retry count.
func (t *TCB) setTimer(kind TimerKind, d time.Duration, now time.Time) {
	t.setTimerRetries(kind, d, 0, now)
}

func (t *TCB) setTimerRetries(kind TimerKind, d time.Duration, retries int, now time.Time) {
	t.cancelTimer(kind)
	t.timers = append(t.timers, timerEntry{kind: kind, expiry: now.Add(d), retries: retries})
}

// cancelTimer removes the active instance of kind, if any.
func (t *TCB) cancelTimer(kind TimerKind) {
	for i := range t.timers {
		if t.timers[i].kind == kind {
			t.timers = append(t.timers[:i], t.timers[i+1:]...)
			return
		}
	}
}

func (t *TCB) cancelAllTimers() {
	t.timers = t.timers[:0]
}

// timerArmed reports whether kind currently has an active instance.
func (t *TCB) timerArmed(kind TimerKind) bool {
	for i := range t.timers {
		if t.timers[i].kind == kind {
			return true
		}
	}
	return false
}

// checkTimers removes and returns every timer whose expiry has passed. It
// performs no actions itself; the stack's tick drives the consequences.
func (t *TCB) checkTimers(now time.Time) []timerEntry {
	var expired []timerEntry
	kept := t.timers[:0]
	for _, e := range t.timers {
		if !e.expiry.After(now) {
			expired = append(expired, e)
		} else {
			kept = append(kept, e)
		}
	}
	t.timers = kept
	return expired
}

// queueRetransmit appends a transmitted range to the retransmission queue
// and keeps the retransmission timer armed at the current RTO.
func (t *TCB) queueRetransmit(seq uint32, flags uint8, payload []byte, now time.Time) {
	t.rtxQueue = append(t.rtxQueue, rtxEntry{
		seq:     seq,
		flags:   flags,
		payload: append([]byte(nil), payload...),
		sentAt:  now,
	})
	if !t.timerArmed(TimerRetransmission) {
		t.setTimer(TimerRetransmission, t.cc.RTO(), now)
	}
}

// trimRetransmitQueue drops entries fully covered by snd_una, in FIFO
// order, and disarms the retransmission timer when the queue drains.
func (t *TCB) trimRetransmitQueue(now time.Time) {
	for len(t.rtxQueue) > 0 {
		head := &t.rtxQueue[0]
		if !seqLE(head.seq+head.seqLen(), t.sndUna) {
			break
		}
		t.rtxQueue = t.rtxQueue[1:]
	}
	if len(t.rtxQueue) == 0 {
		t.cancelTimer(TimerRetransmission)
	} else if !t.timerArmed(TimerRetransmission) {
		t.setTimer(TimerRetransmission, t.cc.RTO(), now)
	}
}
