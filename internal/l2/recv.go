package l2

import (
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

const (
	rxBufSize      = 1024
	smartMinWait   = 100 * time.Millisecond
	framedMsgGap   = 150 * time.Millisecond
	interByteSlack = 2 * time.Millisecond
)

// rxState is the position of the receive machine within one window.
//
//	rxStart        waiting for the first byte (caller timeout)
//	rxInterByte    collecting bytes of one frame; a gap ends the frame
//	rxInterMessage frame done; a longer gap ends the whole receive
//	rxDone
type rxState int

const (
	rxStart rxState = iota
	rxInterByte
	rxInterMessage
	rxDone
)

type rxFrame struct {
	data []byte
	at   time.Time
}

// rxMachine splits a byte stream into frames by inter-byte timing. It does
// no I/O: the caller asks for the next read window, reads, and feeds the
// outcome back with feed or timeout.
type rxMachine struct {
	state   rxState
	monitor bool // drop a leading 0x00 (break artefact seen while listening)
	buf     []byte
	frames  []rxFrame
}

// window returns how long the next read may wait and whether a read is
// needed at all. Framing links deliver whole frames, so the inter-byte read
// is skipped.
func (r *rxMachine) window(t Timing, timeout time.Duration, lf diag.LinkFlags) (time.Duration, bool) {
	switch r.state {
	case rxStart:
		if lf.Any(diag.LinkDoesL2Frame|diag.LinkDoesP4Wait) && timeout < smartMinWait {
			timeout = smartMinWait
		}
		return timeout, true
	case rxInterByte:
		if lf.Has(diag.LinkDoesL2Frame) {
			return 0, false
		}
		return max(t.P2Min-interByteSlack, t.P1Max), true
	default:
		if lf.Has(diag.LinkDoesL2Frame) {
			return framedMsgGap, true
		}
		return t.P2Max, true
	}
}

// room is how many more bytes the current frame may take.
func (r *rxMachine) room() int { return rxBufSize - len(r.buf) }

func (r *rxMachine) feed(p []byte) {
	r.buf = append(r.buf, p...)
	if r.monitor && len(r.buf) > 0 && r.buf[0] == 0x00 {
		r.buf = r.buf[1:]
	}
	if len(r.buf) == 0 {
		return
	}
	if r.state == rxStart || r.state == rxInterMessage {
		r.state = rxInterByte
	}
	if len(r.buf) >= rxBufSize {
		r.finish()
		r.state = rxInterMessage
	}
}

// timeout advances on an expired read window. Only an empty start window is
// an error.
func (r *rxMachine) timeout() error {
	switch r.state {
	case rxStart:
		if len(r.buf) == 0 {
			r.state = rxDone
			return diag.ErrTimeout
		}
		r.state = rxInterByte
	case rxInterByte:
		r.finish()
		r.state = rxInterMessage
	case rxInterMessage:
		r.state = rxDone
	}
	return nil
}

func (r *rxMachine) finish() {
	if len(r.buf) == 0 {
		return
	}
	r.frames = append(r.frames, rxFrame{data: r.buf, at: nowFn()})
	r.buf = nil
}
