package l3

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
)

// fakeLower is a scripted layer 2. Each Recv serves the head of rx; a nil
// entry, or an empty queue, reads as a timeout. respond, when set, is
// consulted on every Send and its batches are appended to rx.
type fakeLower struct {
	flags   l2.ProtoFlags
	timing  l2.Timing
	rx      []diag.Batch
	respond func(m diag.Message) []diag.Batch
	sent    []diag.Message
	waits   []time.Duration
	quiet   int
}

func newFakeLower(flags l2.ProtoFlags) *fakeLower {
	return &fakeLower{flags: flags, timing: l2.DefaultTiming()}
}

func (f *fakeLower) Send(m diag.Message) error {
	m.Data = append([]byte(nil), m.Data...)
	f.sent = append(f.sent, m)
	if f.respond != nil {
		f.rx = append(f.rx, f.respond(m)...)
	}
	return nil
}

func (f *fakeLower) Recv(timeout time.Duration) (diag.Batch, error) {
	f.waits = append(f.waits, timeout)
	if len(f.rx) == 0 {
		return nil, diag.ErrTimeout
	}
	head := f.rx[0]
	f.rx = f.rx[1:]
	if head == nil {
		return nil, diag.ErrTimeout
	}
	return head, nil
}

func (f *fakeLower) Flags() l2.ProtoFlags { return f.flags }
func (f *fakeLower) Timing() l2.Timing    { return f.timing }
func (f *fakeLower) Quietly(fn func())    { f.quiet++; fn() }

const framedData = l2.ProtoFramed | l2.ProtoDataOnly

// reply wraps payloads into a one-message-per-payload batch.
func reply(payloads ...[]byte) diag.Batch {
	b := make(diag.Batch, 0, len(payloads))
	for _, p := range payloads {
		b = append(b, diag.Message{Data: p, Src: 0x10, Dest: 0xF1, Fmt: diag.FmtFramed | diag.FmtDataOnly})
	}
	return b
}

// chunk is a raw, unframed read.
func chunk(p ...byte) diag.Batch { return diag.Batch{{Data: p}} }

// frame appends the additive checksum.
func frame(b ...byte) []byte { return append(b, diag.Checksum8(b)) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// open builds a Conn without running the protocol start.
func open(t testing.TB, kind Kind, lower *fakeLower, opts ...Option) *Conn {
	t.Helper()
	p, err := newProtocol(kind)
	if err != nil {
		t.Fatal(err)
	}
	c := &Conn{lower: lower, l2Flags: lower.flags, kind: kind, proto: p, log: quietLogger()}
	for _, o := range opts {
		o(c)
	}
	return c
}
