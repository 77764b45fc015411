// Package stack owns the layer-2 and layer-3 connections of one process and
// drives their timers.
package stack

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
	"github.com/kstaniek/go-kwp-diag/internal/l3"
	"github.com/kstaniek/go-kwp-diag/internal/logging"
)

// ErrUnknownConn is returned when a connection was not opened through the stack.
var ErrUnknownConn = errors.New("stack: unknown connection")

// Config is applied to every connection opened through a Stack.
type Config struct {
	Debug  diag.Debug
	Logger *slog.Logger
	// Timing overrides the layer-2 default timing when set.
	Timing *l2.Timing
}

type session struct {
	conn  *l3.Conn
	lower *l2.Conn
}

// Stack tracks open connections. Methods are safe for concurrent use; the
// connections themselves are not, so callers serialize bus traffic.
type Stack struct {
	cfg Config
	log *slog.Logger

	mu  sync.Mutex
	l2s []*l2.Conn
	l3s []session
}

func New(cfg Config) *Stack {
	log := cfg.Logger
	if log == nil {
		log = logging.L()
	}
	return &Stack{cfg: cfg, log: log}
}

// StartL2 opens a layer-2 connection over link.
func (s *Stack) StartL2(link diag.Link, kind l2.Kind, args l2.StartArgs) (*l2.Conn, error) {
	opts := []l2.Option{l2.WithDebug(s.cfg.Debug), l2.WithLogger(s.log)}
	if s.cfg.Timing != nil {
		opts = append(opts, l2.WithTiming(*s.cfg.Timing))
	}
	c, err := l2.Start(link, kind, args, opts...)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.l2s = append(s.l2s, c)
	s.mu.Unlock()
	return c, nil
}

// StopL2 stops c and every layer-3 session running on it.
func (s *Stack) StopL2(c *l2.Conn) error {
	s.mu.Lock()
	i := slices.Index(s.l2s, c)
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownConn
	}
	s.l2s = slices.Delete(s.l2s, i, i+1)
	var upper []*l3.Conn
	s.l3s = slices.DeleteFunc(s.l3s, func(ss session) bool {
		if ss.lower == c {
			upper = append(upper, ss.conn)
			return true
		}
		return false
	})
	s.mu.Unlock()

	var errs []error
	for _, u := range upper {
		errs = append(errs, u.Stop())
	}
	errs = append(errs, c.Stop())
	return errors.Join(errs...)
}

// StartL3 opens a layer-3 session on an established layer-2 connection.
func (s *Stack) StartL3(kind l3.Kind, lower *l2.Conn) (*l3.Conn, error) {
	s.mu.Lock()
	known := slices.Contains(s.l2s, lower)
	s.mu.Unlock()
	if !known {
		return nil, ErrUnknownConn
	}
	c, err := l3.Start(kind, lower,
		l3.WithDebug(s.cfg.Debug),
		l3.WithLogger(s.log),
		l3.WithJ1978Idle(lower.Args().IdleJ1978))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.l3s = append(s.l3s, session{conn: c, lower: lower})
	s.mu.Unlock()
	return c, nil
}

// StopL3 stops c. When it was the last session on its layer-2 connection,
// that connection is stopped too.
func (s *Stack) StopL3(c *l3.Conn) error {
	s.mu.Lock()
	i := slices.IndexFunc(s.l3s, func(ss session) bool { return ss.conn == c })
	if i < 0 {
		s.mu.Unlock()
		return ErrUnknownConn
	}
	lower := s.l3s[i].lower
	s.l3s = slices.Delete(s.l3s, i, i+1)
	last := !slices.ContainsFunc(s.l3s, func(ss session) bool { return ss.lower == lower })
	if last {
		if j := slices.Index(s.l2s, lower); j >= 0 {
			s.l2s = slices.Delete(s.l2s, j, j+1)
		}
	}
	s.mu.Unlock()

	err := c.Stop()
	if last {
		if lerr := lower.Stop(); lerr != nil {
			err = errors.Join(err, fmt.Errorf("l2: %w", lerr))
		}
	}
	return err
}

// Tick runs layer-3 timers, then layer-2 timers.
func (s *Stack) Tick(now time.Time) {
	s.mu.Lock()
	upper := make([]*l3.Conn, 0, len(s.l3s))
	for _, ss := range s.l3s {
		upper = append(upper, ss.conn)
	}
	lower := slices.Clone(s.l2s)
	s.mu.Unlock()

	for _, c := range upper {
		c.Tick(now)
	}
	for _, c := range lower {
		c.Tick(now)
	}
}

// Close stops every connection, newest first.
func (s *Stack) Close() error {
	s.mu.Lock()
	upper, lower := s.l3s, s.l2s
	s.l3s, s.l2s = nil, nil
	s.mu.Unlock()

	var errs []error
	for i := len(upper) - 1; i >= 0; i-- {
		errs = append(errs, upper[i].conn.Stop())
	}
	for i := len(lower) - 1; i >= 0; i-- {
		errs = append(errs, lower[i].Stop())
	}
	if len(upper)+len(lower) > 0 {
		s.log.Info("stack_closed", "l3", len(upper), "l2", len(lower))
	}
	return errors.Join(errs...)
}

// Conns reports how many layer-2 and layer-3 connections are open.
func (s *Stack) Conns() (l2Count, l3Count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.l2s), len(s.l3s)
}
