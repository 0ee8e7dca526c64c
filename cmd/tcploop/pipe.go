package main

import (
	"math/rand"
	"sync"

	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
)

// pipe is an in-memory IP link between two stacks with optional random
// loss, for exercising retransmission and congestion behavior.
type pipe struct {
	mu       sync.Mutex
	peer     func(core.IPPacket)
	lossRate float64
	rng      *rand.Rand

	delivered uint64
	dropped   uint64
}

func newPipe(lossRate float64, seed int64) *pipe {
	return &pipe{
		lossRate: lossRate,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (p *pipe) attach(deliver func(core.IPPacket)) {
	p.mu.Lock()
	p.peer = deliver
	p.mu.Unlock()
}

// SendIPPacket implements core.IPSender.
func (p *pipe) SendIPPacket(pkt core.IPPacket) error {
	p.mu.Lock()
	peer := p.peer
	drop := p.lossRate > 0 && p.rng.Float64() < p.lossRate
	if drop {
		p.dropped++
	} else {
		p.delivered++
	}
	p.mu.Unlock()

	if peer == nil {
		return nil
	}
	if drop {
		logging.Debugf("pipe dropped packet %s -> %s len=%d",
			core.AddrString(pkt.Src, 0), core.AddrString(pkt.Dst, 0), len(pkt.Payload))
		return nil
	}
	peer(pkt)
	return nil
}

func (p *pipe) stats() (delivered, dropped uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered, p.dropped
}
