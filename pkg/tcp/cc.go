package tcp

import (
	"math"
	"strings"
	"time"

	"github.com/irctrakz/tcpstack/pkg/logging"
)

// CongestionState is the sender congestion phase.
type CongestionState int

const (
	SlowStart CongestionState = iota
	CongestionAvoidance
	FastRecovery
	Loss
)

func (s CongestionState) String() string {
	switch s {
	case SlowStart:
		return "slow-start"
	case CongestionAvoidance:
		return "congestion-avoidance"
	case FastRecovery:
		return "fast-recovery"
	case Loss:
		return "loss"
	}
	return "unknown"
}

// CongestionAlgorithm selects the window growth dynamics.
type CongestionAlgorithm int

const (
	Reno CongestionAlgorithm = iota
	Cubic
	BBR // recognised but not implemented; falls back to Reno
)

func (a CongestionAlgorithm) String() string {
	switch a {
	case Reno:
		return "reno"
	case Cubic:
		return "cubic"
	case BBR:
		return "bbr"
	}
	return "unknown"
}

// AlgorithmByName maps a config string to an algorithm. Unknown names and
// the unimplemented BBR fall back to Reno.
func AlgorithmByName(name string) CongestionAlgorithm {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "reno", "newreno", "new-reno":
		return Reno
	case "cubic":
		return Cubic
	case "bbr":
		logging.Warnf("congestion algorithm bbr not implemented, using reno")
		return Reno
	default:
		logging.Warnf("unknown congestion algorithm %q, using reno", name)
		return Reno
	}
}

const (
	// CUBIC constants (RFC 9438 defaults).
	cubicC    = 0.4
	cubicBeta = 0.7

	// RTO clamp bounds.
	minRTO = 200 * time.Millisecond
	maxRTO = 120 * time.Second

	// RFC 6928 initial window, in segments.
	initialWindowSegments = 10

	// dupAckThreshold triggers fast retransmit.
	dupAckThreshold = 3
)

// CongestionControl tracks the send window, loss-recovery phase and
// RTT/RTO estimate for one connection. It is owned by a TCB and shares the
// TCB's serialization; it takes no locks of its own.
type CongestionControl struct {
	algorithm CongestionAlgorithm
	state     CongestionState

	mss      int
	cwnd     int
	ssthresh int

	// rwnd is the receiver-advertised window, already scaled.
	rwnd          int
	bytesInFlight int
	dupAcks       int

	// RTT estimation (Jacobson/Karels).
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	hasRTT bool

	// CUBIC epoch state. cubicLastMax is W_max in bytes; cubicWEst is the
	// Reno-equivalent window used for TCP friendliness.
	cubicLastMax    float64
	cubicEpochStart time.Time
	cubicK          float64
	cubicWEst       float64
}

// NewCongestionControl returns congestion state in slow start with
// cwnd = 10*MSS and an effectively unbounded ssthresh.
func NewCongestionControl(alg CongestionAlgorithm, mss int) *CongestionControl {
	if mss <= 0 {
		mss = defaultMSS
	}
	return &CongestionControl{
		algorithm: alg,
		state:     SlowStart,
		mss:       mss,
		cwnd:      initialWindowSegments * mss,
		ssthresh:  math.MaxInt32,
		rwnd:      65535,
		rto:       time.Second,
	}
}

func (c *CongestionControl) State() CongestionState         { return c.state }
func (c *CongestionControl) Algorithm() CongestionAlgorithm { return c.algorithm }
func (c *CongestionControl) Cwnd() int                      { return c.cwnd }
func (c *CongestionControl) Ssthresh() int                  { return c.ssthresh }
func (c *CongestionControl) BytesInFlight() int             { return c.bytesInFlight }
func (c *CongestionControl) DupAcks() int                   { return c.dupAcks }
func (c *CongestionControl) RTO() time.Duration             { return c.rto }
func (c *CongestionControl) SRTT() time.Duration            { return c.srtt }

// UpdateRemoteWindow records the peer's advertised (scaled) window.
func (c *CongestionControl) UpdateRemoteWindow(w int) {
	if w < 0 {
		w = 0
	}
	c.rwnd = w
}

// RemoteWindow returns the last advertised peer window.
func (c *CongestionControl) RemoteWindow() int { return c.rwnd }

// EffectiveWindow is min(cwnd, rwnd) - bytesInFlight, floored at zero.
func (c *CongestionControl) EffectiveWindow() int {
	w := c.cwnd
	if c.rwnd < w {
		w = c.rwnd
	}
	w -= c.bytesInFlight
	if w < 0 {
		w = 0
	}
	return w
}

// OnSent accounts n bytes entering the network.
func (c *CongestionControl) OnSent(n int) {
	if n > 0 {
		c.bytesInFlight += n
	}
}

// OnAck processes a cumulative ACK of acked new bytes and grows cwnd
// according to the current phase. A Loss phase resets to slow start on the
// first ACK after the loss.
func (c *CongestionControl) OnAck(acked int, now time.Time) {
	if acked <= 0 {
		return
	}
	c.bytesInFlight -= acked
	if c.bytesInFlight < 0 {
		c.bytesInFlight = 0
	}
	c.dupAcks = 0

	if c.state == Loss {
		c.state = SlowStart
	}

	switch {
	case c.state == FastRecovery:
		// Window inflation: one MSS per ACK until recovery exits.
		c.cwnd += c.mss
	case c.cwnd < c.ssthresh:
		// Slow start, identical for Reno and CUBIC.
		c.state = SlowStart
		c.cwnd += acked
	default:
		if c.state == SlowStart {
			c.state = CongestionAvoidance
		}
		if c.algorithm == Cubic {
			c.cubicUpdate(acked, now)
		} else {
			inc := c.mss * c.mss * acked / c.cwnd
			if inc < 1 {
				inc = 1
			}
			c.cwnd += inc
		}
	}
}

// OnDupAck counts a duplicate ACK. It returns true exactly when the
// duplicate threshold is crossed and the caller must fast-retransmit the
// oldest unacknowledged segment.
func (c *CongestionControl) OnDupAck() bool {
	if c.state == FastRecovery {
		c.cwnd += c.mss
		return false
	}
	c.dupAcks++
	if c.dupAcks != dupAckThreshold {
		return false
	}
	if c.algorithm == Cubic {
		c.cubicLastMax = float64(c.cwnd)
		c.ssthresh = c.max2MSS(int(float64(c.cwnd) * cubicBeta))
		c.cubicEpochStart = time.Time{}
	} else {
		c.ssthresh = c.max2MSS(c.cwnd / 2)
	}
	c.cwnd = c.ssthresh + dupAckThreshold*c.mss
	c.state = FastRecovery
	return true
}

// ExitFastRecovery deflates the window back to ssthresh once the ACK covers
// the recovery point, and resumes congestion avoidance.
func (c *CongestionControl) ExitFastRecovery() {
	if c.state != FastRecovery {
		return
	}
	c.cwnd = c.ssthresh
	c.state = CongestionAvoidance
	c.dupAcks = 0
	c.cubicEpochStart = time.Time{}
}

// OnLoss reacts to a retransmission timeout.
func (c *CongestionControl) OnLoss() {
	if c.algorithm == Cubic {
		c.cubicLastMax = float64(c.cwnd)
		c.cwnd = c.max2MSS(int(float64(c.cwnd) * cubicBeta))
		c.ssthresh = c.cwnd
	} else {
		c.ssthresh = c.max2MSS(c.cwnd / 2)
		c.cwnd = c.mss
	}
	c.state = Loss
	c.dupAcks = 0
	c.cubicEpochStart = time.Time{}
}

// UpdateRTT folds one RTT sample into the smoothed estimate and recomputes
// the RTO, clamped to [200ms, 120s].
func (c *CongestionControl) UpdateRTT(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !c.hasRTT {
		c.srtt = sample
		c.rttvar = sample / 2
		c.hasRTT = true
	} else {
		err := c.srtt - sample
		if err < 0 {
			err = -err
		}
		c.rttvar += (err - c.rttvar) / 4
		c.srtt += (sample - c.srtt) / 8
	}
	rto := c.srtt + 4*c.rttvar
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	c.rto = rto
}

// BackoffRTO doubles the RTO after a retransmission timeout, bounded above.
func (c *CongestionControl) BackoffRTO() {
	c.rto *= 2
	if c.rto > maxRTO {
		c.rto = maxRTO
	}
}

// cubicUpdate grows cwnd per RFC 9438: the cubic function of time since the
// epoch began, never below the Reno-equivalent estimate (TCP friendliness).
func (c *CongestionControl) cubicUpdate(acked int, now time.Time) {
	mss := float64(c.mss)
	if c.cubicEpochStart.IsZero() {
		c.cubicEpochStart = now
		if c.cubicLastMax < float64(c.cwnd) {
			c.cubicLastMax = float64(c.cwnd)
		}
		wMaxSeg := c.cubicLastMax / mss
		c.cubicK = math.Cbrt(wMaxSeg * (1 - cubicBeta) / cubicC)
		c.cubicWEst = float64(c.cwnd)
	}

	t := now.Sub(c.cubicEpochStart).Seconds()
	d := t - c.cubicK
	wCubic := (cubicC*d*d*d + c.cubicLastMax/mss) * mss

	// Reno-style estimate grown by the standard AIMD increment.
	c.cubicWEst += mss * mss * float64(acked) / c.cubicWEst

	w := wCubic
	if c.cubicWEst > w {
		w = c.cubicWEst
	}
	if int(w) > c.cwnd {
		c.cwnd = int(w)
	}
}

func (c *CongestionControl) max2MSS(v int) int {
	if v < 2*c.mss {
		return 2 * c.mss
	}
	return v
}
