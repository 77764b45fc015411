package l3

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
)

var pidZeroReply = []byte{0x41, 0x00, 0xBE, 0x1F, 0xB8, 0x13}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"kwp2000": ISO14230, "ISO14230": ISO14230, "obd": J1979, "j1979": J1979} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v err=%v", in, got, err)
		}
	}
	if _, err := ParseKind("vpw"); !errors.Is(err, diag.ErrProtocolNotSupported) {
		t.Fatalf("err=%v", err)
	}
}

func TestStart_ISO14230NeedsFramedL2(t *testing.T) {
	_, err := Start(ISO14230, newFakeLower(0), WithLogger(quietLogger()))
	if !errors.Is(err, diag.ErrProtocolNotSupported) {
		t.Fatalf("err=%v", err)
	}
	c, err := Start(ISO14230, newFakeLower(framedData|l2.ProtoKeepalive), WithLogger(quietLogger()))
	if err != nil || c.Kind() != ISO14230 {
		t.Fatalf("c=%v err=%v", c, err)
	}
}

func TestStart_J1979Ping(t *testing.T) {
	tests := []struct {
		name    string
		answer  []byte
		wantErr error
	}{
		{"ok", pidZeroReply, nil},
		{"silence", nil, diag.ErrTimeout},
		{"refused", []byte{0x7F, 0x01, 0x12}, diag.ErrECUSaidNo},
		{"wrong mode", []byte{0x50, 0x00}, diag.ErrBadData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower := newFakeLower(framedData)
			lower.respond = func(diag.Message) []diag.Batch {
				if tt.answer == nil {
					return nil
				}
				return []diag.Batch{reply(tt.answer)}
			}
			c, err := Start(J1979, lower, WithLogger(quietLogger()))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err=%v want %v", err, tt.wantErr)
			}
			if !bytes.Equal(lower.sent[0].Data, []byte{0x01, 0x00}) || lower.sent[0].Src != j1979Source {
				t.Fatalf("ping %+v", lower.sent[0])
			}
			if err == nil && c.Source() != j1979Source {
				t.Fatalf("source 0x%02X", c.Source())
			}
		})
	}
}

func TestJ1979_SendBuildsHeaderOnRawL2(t *testing.T) {
	lower := newFakeLower(0)
	c := open(t, J1979, lower)
	if err := c.Send(diag.Message{Data: []byte{0x01, 0x00}}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(diag.Message{Data: []byte{0x41, 0x00}, Src: 0x33}); err != nil {
		t.Fatal(err)
	}
	if want := []byte{0x68, 0x6A, 0xF1, 0x01, 0x00, 0xC4}; !bytes.Equal(lower.sent[0].Data, want) {
		t.Fatalf("request % X want % X", lower.sent[0].Data, want)
	}
	// The first source address sticks for the session.
	if want := frame(0x48, 0x6B, 0xF1, 0x41, 0x00); !bytes.Equal(lower.sent[1].Data, want) {
		t.Fatalf("response % X want % X", lower.sent[1].Data, want)
	}
	if err := c.Send(diag.Message{}); !errors.Is(err, diag.ErrBadData) {
		t.Fatalf("empty send err=%v", err)
	}
}

func TestJ1979_SendPassesThroughOnFramedL2(t *testing.T) {
	lower := newFakeLower(framedData)
	c := open(t, J1979, lower)
	if err := c.Send(diag.Message{Data: []byte{0x03}}); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(lower.sent[0].Data, []byte{0x03}) {
		t.Fatalf("sent % X", lower.sent[0].Data)
	}
}

func TestRecv_Reassembly(t *testing.T) {
	full := frame(0x48, 0x6B, 0x10, 0x41, 0x00, 0xBE, 0x1F, 0xB8, 0x13)
	cleared := frame(0x48, 0x6B, 0x10, 0x44)
	lower := newFakeLower(0)
	lower.rx = []diag.Batch{chunk(full[:5]...), chunk(append(append([]byte(nil), full[5:]...), cleared...)...)}
	c := open(t, J1979, lower)

	b, err := c.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 2 {
		t.Fatalf("got %d messages", len(b))
	}
	m := b[0]
	if !bytes.Equal(m.Data, pidZeroReply) || m.Src != 0x10 || m.Dest != 0x6B {
		t.Fatalf("first %+v", m)
	}
	want := diag.FmtFuncAddr | diag.FmtFramed | diag.FmtDataOnly | diag.FmtChecksummed
	if m.Fmt != want {
		t.Fatalf("fmt %v", m.Fmt)
	}
	if !bytes.Equal(b[1].Data, []byte{0x44}) {
		t.Fatalf("second %+v", b[1])
	}
	if len(lower.waits) != 2 || lower.waits[0] != time.Second || lower.waits[1] != lower.timing.P4Max {
		t.Fatalf("waits %v", lower.waits)
	}
	if len(c.rxbuf) != 0 {
		t.Fatalf("leftover % X", c.rxbuf)
	}
}

func TestRecv_ReassemblyBadChecksum(t *testing.T) {
	f := frame(0x48, 0x6B, 0x10, 0x44)
	f[len(f)-1]++
	lower := newFakeLower(0)
	lower.rx = []diag.Batch{chunk(f...)}
	c := open(t, J1979, lower)
	b, err := c.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if b[0].Fmt&diag.FmtBadChecksum == 0 {
		t.Fatalf("fmt %v", b[0].Fmt)
	}
}

func TestRecv_ReassemblyFailureMarker(t *testing.T) {
	lower := newFakeLower(0)
	lower.rx = []diag.Batch{chunk(0x48, 0x6B, 0x10, 0x4A, 0x00, 0x11)}
	c := open(t, J1979, lower)
	b, err := c.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 1 || len(b[0].Data) != 0 {
		t.Fatalf("want one empty marker, got %v", b)
	}
	if len(c.rxbuf) != 0 {
		t.Fatalf("buffer not cleared: % X", c.rxbuf)
	}
	if got := c.Decode(b[0]); got != "empty message" {
		t.Fatalf("decode %q", got)
	}
}

func TestRecv_PartialMessageDropped(t *testing.T) {
	lower := newFakeLower(0)
	lower.rx = []diag.Batch{chunk(0x48, 0x6B, 0x10, 0x41, 0x00, 0xBE)}
	c := open(t, J1979, lower)
	if _, err := c.Recv(time.Second); !errors.Is(err, diag.ErrIncompleteData) {
		t.Fatalf("err=%v", err)
	}
	if len(c.rxbuf) != 0 {
		t.Fatalf("buffer % X", c.rxbuf)
	}
	if _, err := c.Recv(time.Second); !errors.Is(err, diag.ErrTimeout) {
		t.Fatalf("idle err=%v", err)
	}
}

func TestRecv_FramedL2StripsHeader(t *testing.T) {
	lower := newFakeLower(l2.ProtoFramed)
	lower.rx = []diag.Batch{{{Data: frame(0x48, 0x6B, 0x10, 0x43, 0x01, 0x33, 0x00, 0x00, 0x00, 0x00), Fmt: diag.FmtFramed}}, {{Data: []byte{0x48, 0x6B}}}}
	c := open(t, J1979, lower)
	b, err := c.Recv(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b[0].Data, []byte{0x43, 0x01, 0x33, 0x00, 0x00, 0x00, 0x00}) || b[0].Fmt&diag.FmtDataOnly == 0 {
		t.Fatalf("got %+v", b[0])
	}
	if _, err := c.Recv(time.Second); !errors.Is(err, diag.ErrIncompleteData) {
		t.Fatalf("short frame err=%v", err)
	}
}

func TestTimer(t *testing.T) {
	ka := l2.DefaultTiming().KeepaliveInterval()
	tests := []struct {
		name    string
		kind    Kind
		flags   l2.ProtoFlags
		opts    []Option
		elapsed time.Duration
		want    []byte
	}{
		{"iso idle not due", ISO14230, framedData, nil, ka - time.Millisecond, nil},
		{"iso tester present", ISO14230, framedData, nil, ka, []byte{diag.SIDTesterPresent}},
		{"iso j1978 idle", ISO14230, framedData, []Option{WithJ1978Idle(true)}, ka, []byte{0x01, 0x00}},
		{"iso l2 keeps alive", ISO14230, framedData | l2.ProtoKeepalive, nil, time.Hour, nil},
		{"j1979 not due", J1979, framedData, nil, j1979Timeout - time.Millisecond, nil},
		{"j1979 ping", J1979, framedData, nil, j1979Timeout, []byte{0x01, 0x00}},
		{"j1979 l2 keeps alive", J1979, framedData | l2.ProtoKeepalive, nil, time.Hour, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower := newFakeLower(tt.flags)
			lower.respond = func(m diag.Message) []diag.Batch {
				if m.Data[0] == 0x01 {
					return []diag.Batch{reply(pidZeroReply)}
				}
				return []diag.Batch{reply([]byte{0x7E})}
			}
			c := open(t, tt.kind, lower, tt.opts...)
			c.Timer(tt.elapsed)
			if tt.want == nil {
				if len(lower.sent) != 0 {
					t.Fatalf("unexpected send % X", lower.sent[0].Data)
				}
				return
			}
			if len(lower.sent) != 1 || !bytes.Equal(lower.sent[0].Data, tt.want) {
				t.Fatalf("sent %v", lower.sent)
			}
			if lower.quiet != 1 {
				t.Fatalf("keepalive ran outside Quietly (%d)", lower.quiet)
			}
		})
	}
}

func TestTimer_FailureIsNotFatal(t *testing.T) {
	lower := newFakeLower(framedData)
	c := open(t, J1979, lower)
	c.Timer(time.Hour)
	if len(lower.sent) != 1 {
		t.Fatalf("sent %d", len(lower.sent))
	}
}

func TestTick_UsesLastSend(t *testing.T) {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := nowFn
	nowFn = func() time.Time { return epoch }
	t.Cleanup(func() { nowFn = old })

	lower := newFakeLower(framedData)
	lower.respond = func(diag.Message) []diag.Batch { return []diag.Batch{reply([]byte{0x7E})} }
	c := open(t, ISO14230, lower)
	if err := c.Send(diag.Message{Data: []byte{0x21, 0x01}}); err != nil {
		t.Fatal(err)
	}
	c.Tick(epoch.Add(time.Second))
	if len(lower.sent) != 1 {
		t.Fatal("keepalive before the interval")
	}
	c.Tick(epoch.Add(4 * time.Second))
	if len(lower.sent) != 2 || lower.sent[1].Data[0] != diag.SIDTesterPresent {
		t.Fatalf("sent %v", lower.sent)
	}
}

func TestStop_ClearsBuffers(t *testing.T) {
	c := open(t, J1979, newFakeLower(0))
	c.rxbuf = []byte{0x48}
	c.pending = reply([]byte{0x41})
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.rxbuf != nil || c.pending != nil {
		t.Fatal("buffers kept")
	}
}
