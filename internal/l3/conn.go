// Package l3 runs application sessions (KWP2000 services, SAE J1979) over
// a layer-2 connection: request retries on busy and pending replies,
// reassembly of unframed byte streams, and idle keepalives.
package l3

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

var nowFn = time.Now

// Lower is the layer-2 connection a session runs on. *l2.Conn implements it.
type Lower interface {
	Send(m diag.Message) error
	Recv(timeout time.Duration) (diag.Batch, error)
	Flags() l2.ProtoFlags
	Timing() l2.Timing
	Quietly(fn func())
}

// Conn is one layer-3 session.
type Conn struct {
	lower   Lower
	l2Flags l2.ProtoFlags
	kind    Kind
	proto   Protocol

	rxbuf   []byte     // unframed bytes awaiting reassembly
	pending diag.Batch // messages received but not yet delivered
	src     byte       // source address latched on first send
	timer   time.Time  // last send

	j1978Idle bool
	debug     diag.Debug
	log       *slog.Logger
}

// Option configures a Conn before the protocol starts.
type Option func(*Conn)

func WithDebug(d diag.Debug) Option    { return func(c *Conn) { c.debug = d } }
func WithLogger(l *slog.Logger) Option { return func(c *Conn) { c.log = l } }

// WithJ1978Idle makes the ISO14230 keepalive a Mode 1 PID 0 request.
func WithJ1978Idle(on bool) Option { return func(c *Conn) { c.j1978Idle = on } }

// Start opens a session of the given kind on lower.
func Start(kind Kind, lower Lower, opts ...Option) (*Conn, error) {
	p, err := newProtocol(kind)
	if err != nil {
		return nil, err
	}
	c := &Conn{lower: lower, l2Flags: lower.Flags(), kind: kind, proto: p}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.L()
	}
	c.trace(diag.DebugOpen, "l3_start", "kind", kind, "l2_flags", fmt.Sprintf("%04b", c.l2Flags))
	c.timer = nowFn()
	if err := p.start(c); err != nil {
		c.log.Warn("l3_start_failed", "kind", kind, "error", err)
		return nil, fmt.Errorf("l3 %s start: %w", kind, err)
	}
	return c, nil
}

// Stop ends the session. The layer-2 connection is left to its owner.
func (c *Conn) Stop() error {
	c.trace(diag.DebugClose, "l3_stop", "kind", c.kind)
	c.rxbuf, c.pending = nil, nil
	return c.proto.stop(c)
}

// Send transmits m and restarts the keepalive timer.
func (c *Conn) Send(m diag.Message) error {
	c.timer = nowFn()
	return c.proto.send(c, m)
}

// Recv returns the next complete messages within timeout.
func (c *Conn) Recv(timeout time.Duration) (diag.Batch, error) {
	return c.proto.recv(c, timeout)
}

// Timer runs the protocol keepalive if due. Failures are logged only.
func (c *Conn) Timer(elapsed time.Duration) {
	if err := c.proto.timer(c, elapsed); err != nil {
		metrics.IncError(metrics.ErrKeepalive)
		c.log.Warn("keepalive_failed", "layer", "l3", "kind", c.kind, "error", err)
	}
}

// Tick is Timer driven by wall-clock time.
func (c *Conn) Tick(now time.Time) { c.Timer(now.Sub(c.timer)) }

// Decode renders a message for logs.
func (c *Conn) Decode(m diag.Message) string {
	if len(m.Data) == 0 {
		return "empty message"
	}
	return c.proto.decode(m)
}

func (c *Conn) Kind() Kind           { return c.kind }
func (c *Conn) Lower() Lower         { return c.lower }
func (c *Conn) Source() byte         { return c.src }
func (c *Conn) LastSend() time.Time  { return c.timer }
func (c *Conn) Logger() *slog.Logger { return c.log }

func (c *Conn) latchSource(m diag.Message) {
	if c.src == 0 {
		c.src = m.Src
	}
}

// receive delivers held messages first, then reads according to what
// layer 2 already does: framed data-only batches pass through, framed
// batches lose the 3-byte header and checksum, raw bytes are reassembled.
func (c *Conn) receive(timeout time.Duration) (diag.Batch, error) {
	if len(c.pending) > 0 {
		b := c.pending
		c.pending = nil
		return b, nil
	}
	switch {
	case c.l2Flags.Has(l2.ProtoFramed | l2.ProtoDataOnly):
		return c.lower.Recv(timeout)
	case c.l2Flags.Has(l2.ProtoFramed):
		b, err := c.lower.Recv(timeout)
		if err != nil {
			return nil, err
		}
		for i := range b {
			d := b[i].Data
			if len(d) < headerLen+1 {
				return nil, fmt.Errorf("%w: %d byte frame", diag.ErrIncompleteData, len(d))
			}
			b[i].Data = d[headerLen : len(d)-1]
			b[i].Fmt |= diag.FmtDataOnly
		}
		return b, nil
	default:
		return c.reassemble(timeout)
	}
}

// reassemble reads raw bytes until at least one message can be cut from
// the accumulation buffer. A partial message left when the line goes quiet
// is discarded.
func (c *Conn) reassemble(timeout time.Duration) (diag.Batch, error) {
	wait := timeout
	for {
		b, err := c.lower.Recv(wait)
		if err != nil {
			if errors.Is(err, diag.ErrTimeout) && len(c.rxbuf) > 0 {
				c.trace(diag.DebugProto, "l3_partial_dropped", "data", fmt.Sprintf("% X", c.rxbuf))
				n := len(c.rxbuf)
				c.rxbuf = c.rxbuf[:0]
				return nil, fmt.Errorf("%w: %d bytes of a partial message", diag.ErrIncompleteData, n)
			}
			return nil, err
		}
		for _, m := range b {
			c.rxbuf = append(c.rxbuf, m.Data...)
		}
		if out := c.cut(); len(out) > 0 {
			return out, nil
		}
		wait = c.lower.Timing().P4Max
	}
}

// cut slices every complete message off the front of the accumulation
// buffer. An unpredictable length yields a zero-length message and drops
// the rest of the buffer.
func (c *Conn) cut() diag.Batch {
	var out diag.Batch
	for len(c.rxbuf) > headerLen {
		n, err := PredictLength(c.rxbuf[headerLen:])
		if errors.Is(err, diag.ErrIncompleteData) {
			break
		}
		if err != nil {
			c.trace(diag.DebugProto, "l3_undecodable", "data", fmt.Sprintf("% X", c.rxbuf), "error", err)
			out = append(out, diag.Message{RxTime: nowFn()})
			c.rxbuf = c.rxbuf[:0]
			break
		}
		if n > len(c.rxbuf) {
			break
		}
		f := c.rxbuf[:n]
		m := diag.Message{
			Data:   append([]byte(nil), f[headerLen:n-1]...),
			Dest:   f[1],
			Src:    f[2],
			Fmt:    diag.FmtFuncAddr | diag.FmtFramed | diag.FmtDataOnly | diag.FmtChecksummed,
			RxTime: nowFn(),
		}
		if diag.Checksum8(f[:n-1]) != f[n-1] {
			m.Fmt |= diag.FmtBadChecksum
			metrics.IncL2BadChecksum()
		}
		out = append(out, m)
		c.rxbuf = append(c.rxbuf[:0], c.rxbuf[n:]...)
	}
	return out
}

func (c *Conn) trace(flag diag.Debug, msg string, args ...any) {
	if !c.debug.Has(flag) {
		return
	}
	c.log.Debug(msg, args...)
}
