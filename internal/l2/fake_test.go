package l2

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// fakeLink is a scripted diag.Link. Each Recv serves the head of rx; a nil
// entry is an inter-frame gap and reads as a timeout, as does an empty
// queue. respond, when set, is consulted on every Send and its chunks are
// appended to rx.
type fakeLink struct {
	flags   diag.LinkFlags
	rx      [][]byte
	respond func(sent []byte) [][]byte
	sent    [][]byte
	p4      []time.Duration
	inits   []diag.InitArgs
	speeds  []int
	waits   []time.Duration
	flushes int
	recvs   int
	recvErr error
	closed  bool
}

func (f *fakeLink) Flags() diag.LinkFlags { return f.flags }

func (f *fakeLink) SetSpeed(bps int) error {
	f.speeds = append(f.speeds, bps)
	return nil
}

func (f *fakeLink) InitBus(a diag.InitArgs) error {
	f.inits = append(f.inits, a)
	return nil
}

func (f *fakeLink) Send(p []byte, p4 time.Duration) error {
	f.sent = append(f.sent, append([]byte(nil), p...))
	f.p4 = append(f.p4, p4)
	if f.respond != nil {
		f.rx = append(f.rx, f.respond(p)...)
	}
	return nil
}

func (f *fakeLink) Recv(p []byte, timeout time.Duration) (int, error) {
	f.recvs++
	f.waits = append(f.waits, timeout)
	if f.recvErr != nil {
		return 0, f.recvErr
	}
	if len(f.rx) == 0 {
		return 0, diag.ErrTimeout
	}
	head := f.rx[0]
	if head == nil {
		f.rx = f.rx[1:]
		return 0, diag.ErrTimeout
	}
	n := copy(p, head)
	if n == len(head) {
		f.rx = f.rx[1:]
	} else {
		f.rx[0] = head[n:]
	}
	return n, nil
}

func (f *fakeLink) FlushInput() error { f.flushes++; return nil }
func (f *fakeLink) Close() error      { f.closed = true; return nil }

// frame appends the additive checksum.
func frame(b ...byte) []byte { return append(b, diag.Checksum8(b)) }

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// withClock freezes nowFn at testEpoch and records sleeps.
func withClock(t *testing.T) *[]time.Duration {
	t.Helper()
	var slept []time.Duration
	oldSleep, oldNow := sleepFn, nowFn
	sleepFn = func(d time.Duration) { slept = append(slept, d) }
	nowFn = func() time.Time { return testEpoch }
	t.Cleanup(func() { sleepFn, nowFn = oldSleep, oldNow })
	return &slept
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// established builds an ISO14230 connection that skipped the handshake.
func established(link *fakeLink, hdr hdrFormat) *Conn {
	return &Conn{
		link:      link,
		linkFlags: link.flags,
		kind:      ISO14230,
		proto:     &iso14230{hdr: hdr},
		args:      StartArgs{Target: 0x10, Source: 0xF1},
		target:    0x10,
		source:    0xF1,
		physAddr:  0x10,
		timing:    DefaultTiming(),
		state:     Established,
		log:       quietLogger(),
	}
}
