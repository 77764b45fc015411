// Package wire implements the KWP monitor stream: the frames a monitor
// client receives (bus traffic and errors) and sends (requests).
package wire

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// Kind tells what a frame carries.
type Kind uint8

const (
	KindRx      Kind = 1 // message received from the bus
	KindTx      Kind = 2 // message sent on the bus
	KindRequest Kind = 3 // client request to be sent
	KindError   Kind = 4 // request or bus failure; Data holds the error text
)

func (k Kind) String() string {
	switch k {
	case KindRx:
		return "rx"
	case KindTx:
		return "tx"
	case KindRequest:
		return "request"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) valid() bool { return k >= KindRx && k <= KindError }

// MaxData is the largest payload a frame can carry.
const MaxData = 255

// Frame is one monitor stream record.
type Frame struct {
	Kind Kind
	Fmt  diag.Fmt
	Src  byte
	Dest byte
	Time time.Time
	Data []byte
}

// FromMessage wraps a bus message. Payloads longer than MaxData are cut.
func FromMessage(k Kind, m diag.Message) Frame {
	ts := m.RxTime
	if ts.IsZero() {
		ts = nowFn()
	}
	d := m.Data
	if len(d) > MaxData {
		d = d[:MaxData]
	}
	return Frame{Kind: k, Fmt: m.Fmt, Src: m.Src, Dest: m.Dest, Time: ts, Data: append([]byte(nil), d...)}
}

// FromError builds an error frame carrying err's text.
func FromError(err error) Frame {
	msg := err.Error()
	if len(msg) > MaxData {
		msg = msg[:MaxData]
	}
	return Frame{Kind: KindError, Time: nowFn(), Data: []byte(msg)}
}

// Message converts a request frame back into a bus message.
func (f Frame) Message() diag.Message {
	return diag.Message{Data: append([]byte(nil), f.Data...), Src: f.Src, Dest: f.Dest, Fmt: f.Fmt, RxTime: f.Time}
}

func (f Frame) String() string {
	if f.Kind == KindError {
		return fmt.Sprintf("error %q", f.Data)
	}
	return fmt.Sprintf("%s %02X->%02X [%s] % X", f.Kind, f.Src, f.Dest, f.Fmt, f.Data)
}

var nowFn = time.Now
