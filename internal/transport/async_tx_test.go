package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

var errSendFail = errors.New("send fail")

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestAsyncTx_SendsInOrder(t *testing.T) {
	var got []byte
	var after atomic.Int64
	done := make(chan struct{})
	ax := NewAsyncTx(context.Background(), 4, func(f wire.Frame) error {
		got = append(got, f.Data[0])
		if len(got) == 3 {
			close(done)
		}
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }}, 0)
	defer ax.Close()
	for i := range 3 {
		if err := ax.Enqueue(wire.Frame{Kind: wire.KindRequest, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain")
	}
	waitFor(t, func() bool { return after.Load() == 3 })
	if got[0] != 0 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("order %v", got)
	}
}

func TestAsyncTx_Overflow(t *testing.T) {
	release := make(chan struct{})
	var drops atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(int) error { <-release; return nil },
		Hooks{OnDrop: func() error { drops.Add(1); return ErrOverflow }}, 0)
	defer ax.Close()
	defer close(release)

	// The worker takes the first item and blocks; the second fills the queue.
	if err := ax.Enqueue(1); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return ax.Len() == 0 })
	if err := ax.Enqueue(2); err != nil {
		t.Fatal(err)
	}
	if err := ax.Enqueue(3); !errors.Is(err, ErrOverflow) {
		t.Fatalf("err=%v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("drops %d", drops.Load())
	}
}

func TestAsyncTx_SendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(string) error { return errSendFail },
		Hooks{OnError: func(err error) {
			if errors.Is(err, errSendFail) {
				errs.Add(1)
			}
		}}, 0)
	defer ax.Close()
	_ = ax.Enqueue("x")
	waitFor(t, func() bool { return errs.Load() == 1 })
}

func TestAsyncTx_IdleHook(t *testing.T) {
	var ticks atomic.Int64
	ax := NewAsyncTx(context.Background(), 1, func(int) error { return nil },
		Hooks{OnIdle: func(time.Time) { ticks.Add(1) }}, 5*time.Millisecond)
	waitFor(t, func() bool { return ticks.Load() >= 2 })
	ax.Close()
	n := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != n {
		t.Fatal("idle hook ran after close")
	}
}

func TestAsyncTx_EnqueueAfterClose(t *testing.T) {
	var sent atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(int) error { sent.Add(1); return nil }, Hooks{}, 0)
	ax.Close()
	ax.Close()
	if err := ax.Enqueue(1); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("err=%v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if sent.Load() != 0 {
		t.Fatal("item processed after close")
	}
}

func TestAsyncTx_CloseConcurrentEnqueue(t *testing.T) {
	for i := range 100 {
		ax := NewAsyncTx(context.Background(), 1, func(int) error { return nil }, Hooks{}, 0)
		done := make(chan error, 1)
		go func() { done <- ax.Enqueue(i) }()
		time.Sleep(time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}
