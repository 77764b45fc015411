// Package l2 implements layer-2 connections on top of a diag.Link: the
// ISO14230 (KWP2000) framing and wake-up handshakes, and a raw pass-through.
//
// A Conn is not safe for concurrent use. The binary serializes every call
// through a single worker goroutine.
package l2

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

// Hooks swapped by tests.
var (
	sleepFn = time.Sleep
	nowFn   = time.Now
)

// ErrClosed is returned by operations on a stopped connection.
var ErrClosed = errors.New("l2: connection closed")

// Conn is one layer-2 connection to an ECU.
type Conn struct {
	link      diag.Link
	linkFlags diag.LinkFlags
	kind      Kind
	proto     Protocol
	args      StartArgs

	target   byte
	source   byte
	physAddr byte
	kb1, kb2 byte
	kbKnown  bool
	monitor  bool

	timing   Timing
	speed    int
	state    State
	lastSend time.Time

	debug diag.Debug
	quiet bool // tracing suppressed (keepalive exchange)
	log   *slog.Logger
}

// Option configures a Conn before the protocol starts.
type Option func(*Conn)

func WithDebug(d diag.Debug) Option    { return func(c *Conn) { c.debug = d } }
func WithTiming(t Timing) Option       { return func(c *Conn) { c.timing = t } }
func WithLogger(l *slog.Logger) Option { return func(c *Conn) { c.log = l } }

// Start opens a layer-2 connection over link. On failure the connection is
// released and only the error is returned.
func Start(link diag.Link, kind Kind, args StartArgs, opts ...Option) (*Conn, error) {
	p, err := newProtocol(kind)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		link:      link,
		linkFlags: link.Flags(),
		kind:      kind,
		proto:     p,
		args:      args,
		target:    args.Target,
		source:    args.Source,
		timing:    DefaultTiming(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = logging.L()
	}
	c.trace(diag.DebugOpen, "l2_start", "kind", kind, "init", args.Init,
		"target", fmt.Sprintf("0x%02X", args.Target), "source", fmt.Sprintf("0x%02X", args.Source),
		"functional", args.Functional)
	c.setState(Connecting)
	if err := p.start(c, args); err != nil {
		c.setState(Closed)
		metrics.IncConnect(diag.ErrorKind(err))
		c.log.Warn("l2_start_failed", "kind", kind, "init", args.Init, "error", err)
		return nil, fmt.Errorf("l2 %s start: %w", kind, err)
	}
	c.setState(Established)
	metrics.IncConnect("ok")
	c.log.Info("l2_established", "kind", kind, "init", args.Init,
		"phys", fmt.Sprintf("0x%02X", c.physAddr),
		"kb1", fmt.Sprintf("0x%02X", c.kb1), "kb2", fmt.Sprintf("0x%02X", c.kb2))
	return c, nil
}

// Stop ends the connection. The link stays open; its owner closes it.
func (c *Conn) Stop() error {
	if c.state == Closed {
		return nil
	}
	err := c.proto.stop(c)
	c.setState(Closed)
	c.trace(diag.DebugClose, "l2_stop", "kind", c.kind)
	return err
}

// Send transmits one message and records the send time.
func (c *Conn) Send(m diag.Message) error {
	if c.state == Closed {
		return ErrClosed
	}
	c.lastSend = nowFn()
	if err := c.proto.send(c, m); err != nil {
		metrics.IncError(metrics.ErrLinkWrite)
		return err
	}
	metrics.IncL2Tx()
	return nil
}

// Recv returns the messages received within timeout.
func (c *Conn) Recv(timeout time.Duration) (diag.Batch, error) {
	if c.state == Closed {
		return nil, ErrClosed
	}
	return c.proto.recv(c, timeout)
}

// Request sends m and returns the response batch.
func (c *Conn) Request(m diag.Message) (diag.Batch, error) {
	if c.state == Closed {
		return nil, ErrClosed
	}
	return c.proto.request(c, m)
}

// Tick runs the protocol keepalive when the link has been idle for the
// keepalive interval. Keepalive failures are logged, never returned.
func (c *Conn) Tick(now time.Time) {
	if c.state != Established || c.monitor {
		return
	}
	if !c.proto.flags().Has(ProtoKeepalive) || c.linkFlags.Has(diag.LinkDoesKeepalive) {
		return
	}
	if now.Sub(c.lastSend) < c.timing.KeepaliveInterval() {
		return
	}
	c.trace(diag.DebugTimer, "l2_keepalive", "idle", now.Sub(c.lastSend))
	c.proto.keepalive(c)
}

func (c *Conn) State() State              { return c.state }
func (c *Conn) Kind() Kind                { return c.kind }
func (c *Conn) KeyBytes() (kb1, kb2 byte) { return c.kb1, c.kb2 }
func (c *Conn) PhysAddr() byte            { return c.physAddr }
func (c *Conn) Target() byte              { return c.target }
func (c *Conn) Source() byte              { return c.source }
func (c *Conn) Flags() ProtoFlags         { return c.proto.flags() }
func (c *Conn) LinkFlags() diag.LinkFlags { return c.linkFlags }
func (c *Conn) Timing() Timing            { return c.timing }
func (c *Conn) Monitor() bool             { return c.monitor }
func (c *Conn) LastSend() time.Time       { return c.lastSend }
func (c *Conn) Debug() diag.Debug         { return c.debug }
func (c *Conn) Logger() *slog.Logger      { return c.log }
func (c *Conn) Speed() int                { return c.speed }
func (c *Conn) Args() StartArgs           { return c.args }

// Quietly runs fn with protocol tracing suppressed.
func (c *Conn) Quietly(fn func()) {
	prev := c.quiet
	c.quiet = true
	defer func() { c.quiet = prev }()
	fn()
}

func (c *Conn) setState(s State) {
	c.state = s
	metrics.SetConnState(int(s))
}

func (c *Conn) trace(flag diag.Debug, msg string, args ...any) {
	if c.quiet || !c.debug.Has(flag) {
		return
	}
	c.log.Debug(msg, args...)
}
