package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kstaniek/go-kwp-diag/internal/adapter"
	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
	"github.com/kstaniek/go-kwp-diag/internal/l3"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/stack"
	"github.com/kstaniek/go-kwp-diag/internal/tty"
)

// Hooks for tests.
var (
	openDevice   = tty.Open
	openLinkFn   = openLink
	connectDelay = time.Second
)

// openLink opens the configured adapter. The returned link owns its device.
func openLink(cfg *appConfig, l *slog.Logger) (diag.Link, error) {
	dbg, _ := diag.ParseDebug(cfg.Debug)
	opts := adapter.Options{Bus: adapter.BusISO14230, Power: cfg.Power, Debug: dbg, Logger: l}
	if cfg.Adapter == adapter.KindSim {
		sim, err := adapter.OpenSim(cfg.Scenario, opts)
		if err != nil {
			return nil, err
		}
		return sim, nil
	}
	dev, err := openDevice(cfg.Device, tty.Options{Driver: cfg.TTYDriver, Baud: cfg.Bitrate})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	link, err := adapter.Open(cfg.Adapter, dev, opts)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return link, nil
}

// session is one connected adapter with its layer-2 connection and,
// unless layer 3 is disabled, a layer-3 session on top.
type session struct {
	st   *stack.Stack
	link diag.Link
	l2   *l2.Conn
	l3   *l3.Conn
}

// Request sends m and collects the replies through the top layer.
func (s *session) Request(m diag.Message) (diag.Batch, error) {
	if s.l3 != nil {
		return s.l3.Request(m)
	}
	return s.l2.Request(m)
}

func (s *session) Recv(timeout time.Duration) (diag.Batch, error) {
	if s.l3 != nil {
		return s.l3.Recv(timeout)
	}
	return s.l2.Recv(timeout)
}

// Describe renders m for humans.
func (s *session) Describe(m diag.Message) string {
	if s.l3 != nil {
		return s.l3.Decode(m)
	}
	return diag.DescribeResponse(m)
}

func (s *session) Tick(now time.Time) { s.st.Tick(now) }

// Close stops every connection, then releases the adapter.
func (s *session) Close() error {
	err := errors.Join(s.st.Close(), s.link.Close())
	metrics.SetConnState(int(l2.Closed))
	return err
}

// connect opens the adapter and starts the protocol stack, retrying up to
// ConnectAttempts times. Unsupported protocol or init choices are not
// retried.
func connect(ctx context.Context, cfg *appConfig, l *slog.Logger) (*session, error) {
	l2Kind, err := l2.ParseKind(cfg.L2)
	if err != nil {
		return nil, err
	}
	timing, err := cfg.timing()
	if err != nil {
		return nil, err
	}
	dbg, _ := diag.ParseDebug(cfg.Debug)
	args := cfg.startArgs()

	var sess *session
	try := func() error {
		metrics.SetConnState(int(l2.Connecting))
		link, err := openLinkFn(cfg, l)
		if err != nil {
			return err
		}
		st := stack.New(stack.Config{Debug: dbg, Logger: l, Timing: timing})
		lc, err := st.StartL2(link, l2Kind, args)
		if err != nil {
			_ = link.Close()
			return err
		}
		s := &session{st: st, link: link, l2: lc}
		if cfg.L3 != l3None && cfg.Mode != modeMonitor {
			kind, _ := l3.ParseKind(cfg.L3)
			if s.l3, err = st.StartL3(kind, lc); err != nil {
				_ = s.Close()
				return err
			}
		}
		sess = s
		return nil
	}
	attempt := func() error {
		err := try()
		if err != nil {
			metrics.IncConnect("fail")
			metrics.IncError(metrics.ErrConnect)
		}
		return err
	}
	err = retry.Do(attempt,
		retry.Context(ctx),
		retry.Attempts(uint(cfg.ConnectAttempts)),
		retry.Delay(connectDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, diag.ErrProtocolNotSupported) && !errors.Is(err, diag.ErrInitNotSupported)
		}),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("connect_attempt_failed", "attempt", n+1, "of", cfg.ConnectAttempts, "error", err)
		}),
	)
	if err != nil {
		metrics.SetConnState(int(l2.Closed))
		return nil, fmt.Errorf("connect: %w", err)
	}
	metrics.IncConnect("ok")
	metrics.SetConnState(int(l2.Established))
	kb1, kb2 := sess.l2.KeyBytes()
	l.Info("connected",
		"adapter", cfg.Adapter,
		"l2", l2Kind,
		"l3", cfg.L3,
		"init", args.Init,
		"target", fmt.Sprintf("0x%02X", args.Target),
		"phys_addr", fmt.Sprintf("0x%02X", sess.l2.PhysAddr()),
		"kb1", fmt.Sprintf("0x%02X", kb1),
		"kb2", fmt.Sprintf("0x%02X", kb2))
	return sess, nil
}
