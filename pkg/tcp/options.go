package tcp

import "encoding/binary"

// TCP option kinds the engine understands. Anything else is skipped by its
// declared length.
const (
	optEnd           = 0
	optNOP           = 1
	optMSS           = 2
	optWindowScale   = 3
	optSACKPermitted = 4
	optTimestamps    = 8

	// maxWindowShift is the largest window-scale shift RFC 7323 allows.
	maxWindowShift = 14
)

// Options is the decoded view of a segment's option block.
type Options struct {
	MSS    uint16
	HasMSS bool

	WindowScale    uint8
	HasWindowScale bool

	SACKPermitted bool

	TSVal         uint32
	TSEcho        uint32
	HasTimestamps bool
}

// parseOptions walks an option block. A zero option length or truncated
// option data terminates parsing early; that is deliberate tolerance, not
// an error.
func parseOptions(b []byte) Options {
	var o Options
	for i := 0; i < len(b); {
		switch b[i] {
		case optEnd:
			return o
		case optNOP:
			i++
			continue
		}
		if i+1 >= len(b) {
			return o
		}
		l := int(b[i+1])
		if l < 2 || i+l > len(b) {
			return o
		}
		switch {
		case b[i] == optMSS && l == 4:
			o.MSS = binary.BigEndian.Uint16(b[i+2 : i+4])
			o.HasMSS = true
		case b[i] == optWindowScale && l == 3:
			s := b[i+2]
			if s > maxWindowShift {
				s = maxWindowShift
			}
			o.WindowScale = s
			o.HasWindowScale = true
		case b[i] == optSACKPermitted && l == 2:
			o.SACKPermitted = true
		case b[i] == optTimestamps && l == 10:
			o.TSVal = binary.BigEndian.Uint32(b[i+2 : i+6])
			o.TSEcho = binary.BigEndian.Uint32(b[i+6 : i+10])
			o.HasTimestamps = true
		}
		i += l
	}
	return o
}

// synOptions builds the option block for a SYN or SYN-ACK. MSS is always
// advertised; window scale, SACK-permitted and timestamps only when offered.
func synOptions(mss uint16, wsShift uint8, offerWS, offerSACK, offerTS bool, tsVal, tsEcho uint32) []byte {
	opts := make([]byte, 0, 20)
	opts = append(opts, optMSS, 4, byte(mss>>8), byte(mss))
	if offerWS {
		opts = append(opts, optWindowScale, 3, wsShift)
	}
	if offerSACK {
		opts = append(opts, optSACKPermitted, 2)
	}
	if offerTS {
		opts = appendTimestamps(opts, tsVal, tsEcho)
	}
	return padOptions(opts)
}

// dataOptions builds the option block for segments after the handshake:
// a timestamp option when negotiated, otherwise nothing.
func dataOptions(tsEnabled bool, tsVal, tsEcho uint32) []byte {
	if !tsEnabled {
		return nil
	}
	return padOptions(appendTimestamps(make([]byte, 0, 12), tsVal, tsEcho))
}

func appendTimestamps(opts []byte, tsVal, tsEcho uint32) []byte {
	opts = append(opts, optTimestamps, 10)
	opts = binary.BigEndian.AppendUint32(opts, tsVal)
	return binary.BigEndian.AppendUint32(opts, tsEcho)
}

func padOptions(opts []byte) []byte {
	for len(opts)%4 != 0 {
		opts = append(opts, optNOP)
	}
	return opts
}
