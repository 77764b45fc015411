// Package server exposes the diagnostic session to monitor clients over
// TCP (binary wire frames) and websocket (JSON frames). Every client sees
// the bus traffic broadcast through the hub and may submit requests.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/hub"
	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/transport"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

// SendFunc queues a client request for the diagnostic session.
type SendFunc func(wire.Frame) error

// DescribeFunc renders a frame payload for humans (websocket clients).
type DescribeFunc func(wire.Frame) string

// Server owns the TCP listener and the client lifecycle.
type Server struct {
	mu       sync.RWMutex
	addr     string
	Hub      *hub.Hub
	Codec    transport.Codec
	Send     SendFunc
	describe DescribeFunc

	flushInterval    time.Duration
	batchSize        int
	readDeadline     time.Duration
	handshakeTimeout time.Duration
	maxClients       int

	readyOnce sync.Once
	readyCh   chan struct{}
	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error
	listener  net.Listener
	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup
	logger    *slog.Logger
	nextID    atomic.Uint64

	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalRequests      atomic.Uint64
	totalOverflow      atomic.Uint64
	totalRejected      atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		addr:             ":0",
		Codec:            &wire.Codec{},
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]net.Conn),
		logger:           logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Hub == nil {
		s.Hub = hub.New()
	}
	return s
}

func WithListenAddr(a string) ServerOption           { return func(s *Server) { s.addr = a } }
func WithHub(h *hub.Hub) ServerOption                { return func(s *Server) { s.Hub = h } }
func WithCodec(c transport.Codec) ServerOption       { return func(s *Server) { s.Codec = c } }
func WithSend(send SendFunc) ServerOption            { return func(s *Server) { s.Send = send } }
func WithDescriber(fn DescribeFunc) ServerOption     { return func(s *Server) { s.describe = fn } }
func WithFlushInterval(d time.Duration) ServerOption { return positive(d, func(s *Server) { s.flushInterval = d }) }
func WithReadDeadline(d time.Duration) ServerOption  { return positive(d, func(s *Server) { s.readDeadline = d }) }
func WithHandshakeTimeout(d time.Duration) ServerOption {
	return positive(d, func(s *Server) { s.handshakeTimeout = d })
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithMaxClients caps TCP and websocket clients together; 0 is unlimited.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func positive(d time.Duration, set ServerOption) ServerOption {
	return func(s *Server) {
		if d > 0 {
			set(s)
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

func (s *Server) LastError() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	return s.lastErr
}

func (s *Server) setError(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

// fail records err, counts it under its metric label and returns it.
func (s *Server) fail(sentinel error, cause error) error {
	wrap := fmt.Errorf("%w: %v", sentinel, cause)
	metrics.IncError(mapErrToMetric(wrap))
	s.setError(wrap)
	return wrap
}

// Serve accepts TCP clients until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(ErrListen, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		return s.fail(ErrAccept, err)
	}
	s.totalAccepted.Add(1)
	id := s.nextID.Add(1)
	log := s.logger.With("conn_id", id, "remote", conn.RemoteAddr().String(), "transport", "tcp")
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := wire.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := s.fail(ErrHandshake, err)
		s.totalHandshakeFail.Add(1)
		log.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.full() {
		s.reject(log)
		_ = conn.Close()
		return nil
	}
	cl := s.register(fmt.Sprintf("tcp#%d", id), conn)
	log.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, log)
	s.startReader(ctx.Done(), conn, cl, log)
	return nil
}

func (s *Server) full() bool { return s.maxClients > 0 && s.Hub.Count() >= s.maxClients }

func (s *Server) reject(log *slog.Logger) {
	s.totalRejected.Add(1)
	metrics.IncHubReject()
	log.Warn("client_reject_max", "max_clients", s.maxClients)
}

func (s *Server) register(name string, conn net.Conn) *hub.Client {
	cl := s.Hub.NewClient(name)
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	return cl
}

func (s *Server) unregister(cl *hub.Client, log *slog.Logger) {
	s.Hub.Remove(cl)
	s.clientsMu.Lock()
	_, ok := s.clients[cl]
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	if ok {
		s.totalDisconnected.Add(1)
		log.Info("client_disconnected")
	}
}

// submit hands a client request to the session. Failures are reported back
// to that client only.
func (s *Server) submit(f wire.Frame, cl *hub.Client, log *slog.Logger) {
	if f.Kind != wire.KindRequest {
		metrics.IncMalformed()
		log.Debug("unexpected_frame_kind", "kind", f.Kind)
		return
	}
	s.totalRequests.Add(1)
	var err error
	if s.Send == nil {
		err = ErrNoSession
	} else {
		err = s.Send(f)
	}
	if err == nil {
		return
	}
	if errors.Is(err, transport.ErrOverflow) {
		s.totalOverflow.Add(1)
		log.Debug("request_overflow_drop", "data", fmt.Sprintf("% X", f.Data))
	} else {
		log.Warn("request_rejected", "error", err)
	}
	select {
	case cl.Out <- wire.FromError(err):
	default:
	}
}

// Shutdown closes the listener and every client, then waits for the client
// goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	for cl, conn := range s.clients {
		_ = conn.Close()
		cl.Close()
	}
	s.clientsMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary",
			"accepted", s.totalAccepted.Load(),
			"handshake_fail", s.totalHandshakeFail.Load(),
			"connected", s.totalConnected.Load(),
			"disconnected", s.totalDisconnected.Load(),
			"rejected", s.totalRejected.Load(),
			"requests", s.totalRequests.Load(),
			"overflow", s.totalOverflow.Load())
		return nil
	}
}
