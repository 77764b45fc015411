package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAsyncTxClosed = errors.New("async tx closed")
	// ErrOverflow is the conventional OnDrop result.
	ErrOverflow = errors.New("tx queue overflow")
)

// AsyncTx funnels work items through a single goroutine. Enqueue never
// blocks: with the queue full it returns the OnDrop error. When an idle
// interval is set, OnIdle runs on the same goroutine at that period,
// between items, so periodic housekeeping never races them.
//
//	a := NewAsyncTx(ctx, 64, handle, Hooks{OnIdle: tick}, 100*time.Millisecond)
//	a.Enqueue(item)
//	a.Close()
type AsyncTx[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	send   func(T) error
	hooks  Hooks
	idle   time.Duration
	closed atomic.Bool
}

// Hooks customize AsyncTx behavior. All run on the worker goroutine except
// OnDrop, which runs on the caller's.
type Hooks struct {
	// OnError is called when send fails.
	OnError func(error)
	// OnAfter is called after each successful send.
	OnAfter func()
	// OnDrop is called when the queue is full; its error is returned from
	// Enqueue. If nil, the item is dropped silently.
	OnDrop func() error
	// OnIdle is called once per idle interval.
	OnIdle func(now time.Time)
}

// NewAsyncTx starts a worker with a queue of buf items. idle <= 0 disables
// OnIdle.
func NewAsyncTx[T any](parent context.Context, buf int, send func(T) error, hooks Hooks, idle time.Duration) *AsyncTx[T] {
	ctx, cancel := context.WithCancel(parent)
	a := &AsyncTx[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		send:   send,
		hooks:  hooks,
		idle:   idle,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncTx[T]) loop() {
	defer a.wg.Done()
	var tick <-chan time.Time
	if a.idle > 0 && a.hooks.OnIdle != nil {
		t := time.NewTicker(a.idle)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case it, ok := <-a.ch:
			if !ok {
				return
			}
			if err := a.send(it); err != nil {
				if a.hooks.OnError != nil {
					a.hooks.OnError(err)
				}
				continue
			}
			if a.hooks.OnAfter != nil {
				a.hooks.OnAfter()
			}
		case now := <-tick:
			a.hooks.OnIdle(now)
		case <-a.ctx.Done():
			return
		}
	}
}

// Enqueue queues it for the worker.
func (a *AsyncTx[T]) Enqueue(it T) error {
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed.Load() {
		return ErrAsyncTxClosed
	}
	select {
	case a.ch <- it:
		return nil
	default:
		if a.hooks.OnDrop != nil {
			return a.hooks.OnDrop()
		}
		return nil
	}
}

// Len reports the queued items.
func (a *AsyncTx[T]) Len() int { return len(a.ch) }

// Close stops the worker and waits for it. Items still queued are dropped.
func (a *AsyncTx[T]) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.cancel()
	a.mu.Lock()
	close(a.ch)
	a.mu.Unlock()
	a.wg.Wait()
}
