package tcp

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"golang.org/x/crypto/blake2s"
)

// isnGenerator produces initial sequence numbers per RFC 6528: a keyed hash
// over the connection 4-tuple plus a clock ticking every 4 microseconds, so
// sequence spaces of successive incarnations of the same connection do not
// collide.
type isnGenerator struct {
	secret [32]byte
	epoch  time.Time
}

func newISNGenerator() *isnGenerator {
	g := &isnGenerator{epoch: time.Now()}
	if _, err := rand.Read(g.secret[:]); err != nil {
		// Fall back to a time-derived secret rather than failing startup.
		binary.BigEndian.PutUint64(g.secret[:8], uint64(time.Now().UnixNano()))
	}
	return g
}

func (g *isnGenerator) next(localAddr [4]byte, localPort uint16, remoteAddr [4]byte, remotePort uint16, now time.Time) uint32 {
	h, _ := blake2s.New256(g.secret[:])
	var buf [12]byte
	copy(buf[0:4], localAddr[:])
	copy(buf[4:8], remoteAddr[:])
	binary.BigEndian.PutUint16(buf[8:10], localPort)
	binary.BigEndian.PutUint16(buf[10:12], remotePort)
	h.Write(buf[:])
	sum := h.Sum(nil)

	tick := uint32(now.Sub(g.epoch) / (4 * time.Microsecond))
	return binary.BigEndian.Uint32(sum[:4]) + tick
}
