package adapter

import (
	"testing"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// fakeDev is a scripted tty.Device. Reads are served from chunks in order;
// with echo set every write is looped back to the read side first.
type fakeDev struct {
	chunks   [][]byte
	echo     bool
	corrupt  byte // xor applied to echoed bytes
	writes   [][]byte
	breaks   []time.Duration
	speeds   []int
	dtr, rts bool
	modemSet bool
	flushes  int
	closed   bool
}

func (f *fakeDev) Read(p []byte, timeout time.Duration) (int, error) {
	for len(f.chunks) > 0 && len(f.chunks[0]) == 0 {
		f.chunks = f.chunks[1:]
	}
	if len(f.chunks) == 0 {
		return 0, diag.ErrTimeout
	}
	n := copy(p, f.chunks[0])
	f.chunks[0] = f.chunks[0][n:]
	return n, nil
}

func (f *fakeDev) Write(p []byte) error {
	f.writes = append(f.writes, append([]byte(nil), p...))
	if f.echo {
		e := append([]byte(nil), p...)
		for i := range e {
			e[i] ^= f.corrupt
		}
		f.chunks = append([][]byte{e}, f.chunks...)
	}
	return nil
}

func (f *fakeDev) FlushInput() error { f.flushes++; return nil }
func (f *fakeDev) SetSpeed(bps int) error {
	f.speeds = append(f.speeds, bps)
	return nil
}
func (f *fakeDev) SetModem(dtr, rts bool) error {
	f.dtr, f.rts, f.modemSet = dtr, rts, true
	return nil
}
func (f *fakeDev) Break(d time.Duration) error {
	f.breaks = append(f.breaks, d)
	return nil
}
func (f *fakeDev) Close() error { f.closed = true; return nil }

// withSleeps replaces sleepFn with a recorder for the test duration.
func withSleeps(t *testing.T) *[]time.Duration {
	t.Helper()
	var got []time.Duration
	old := sleepFn
	sleepFn = func(d time.Duration) { got = append(got, d) }
	t.Cleanup(func() { sleepFn = old })
	return &got
}
