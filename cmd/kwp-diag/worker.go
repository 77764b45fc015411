package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/hub"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/transport"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

const (
	requestQueueSize = 64
	tickInterval     = 100 * time.Millisecond
	monitorRecvTO    = 500 * time.Millisecond
	monitorBackoff   = 200 * time.Millisecond
)

// sleepFn allows tests to intercept monitor backoff sleeps.
var sleepFn = time.Sleep

// requester is the part of a session the worker drives.
type requester interface {
	Request(m diag.Message) (diag.Batch, error)
	Tick(now time.Time)
}

// worker owns all bus traffic in serve mode: client requests and keepalive
// ticks run on one goroutine, so the protocol stack is never entered
// concurrently.
type worker struct {
	sess requester
	hub  *hub.Hub
	log  *slog.Logger
	tx   *transport.AsyncTx[wire.Frame]
}

func newWorker(ctx context.Context, sess requester, h *hub.Hub, l *slog.Logger) *worker {
	w := &worker{sess: sess, hub: h, log: l}
	w.tx = transport.NewAsyncTx(ctx, requestQueueSize, w.handle, transport.Hooks{
		OnError: func(err error) { l.Debug("request_failed", "error", err) },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrTxOverflow)
			return transport.ErrOverflow
		},
		OnIdle: sess.Tick,
	}, tickInterval)
	return w
}

// Submit queues a client request. It never blocks.
func (w *worker) Submit(f wire.Frame) error { return w.tx.Enqueue(f) }

func (w *worker) Close() { w.tx.Close() }

// handle sends one request and broadcasts it, its replies, and any error.
func (w *worker) handle(f wire.Frame) error {
	m := f.Message()
	m.RxTime = time.Time{}
	w.hub.Broadcast(wire.FromMessage(wire.KindTx, m))
	replies, err := w.sess.Request(m)
	for _, r := range replies {
		w.hub.Broadcast(wire.FromMessage(wire.KindRx, r))
	}
	if err != nil {
		var nr *diag.NegativeResponseError
		if len(replies) == 0 && errors.As(err, &nr) {
			w.hub.Broadcast(wire.FromMessage(wire.KindRx, nr.Response))
		}
		w.hub.Broadcast(wire.FromError(err))
		return fmt.Errorf("request % X: %w", m.Data, err)
	}
	return nil
}

// errMonitorOnly rejects client requests while passively monitoring.
var errMonitorOnly = errors.New("monitor mode: requests are not accepted")

func rejectRequests(wire.Frame) error { return errMonitorOnly }

// runMonitor broadcasts everything received on the bus until ctx ends.
func runMonitor(ctx context.Context, recv func(time.Duration) (diag.Batch, error), h *hub.Hub, l *slog.Logger) error {
	defer l.Info("monitor_end")
	for ctx.Err() == nil {
		b, err := recv(monitorRecvTO)
		for _, m := range b {
			h.Broadcast(wire.FromMessage(wire.KindRx, m))
		}
		if err == nil || errors.Is(err, diag.ErrTimeout) {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncError(metrics.ErrMonitorRecv)
		l.Warn("monitor_recv_error", "error", err, "backoff", monitorBackoff)
		h.Broadcast(wire.FromError(err))
		sleepFn(monitorBackoff)
	}
	return nil
}
