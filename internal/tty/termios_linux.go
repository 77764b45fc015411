//go:build linux

package tty

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// termiosDevice talks to the kernel tty directly. termios2 with BOTHER
// allows non-standard speeds such as the 10400 bps K-line rate.
type termiosDevice struct {
	fd     int
	name   string
	closed atomic.Bool
}

func openTermios(name string, baud int) (Device, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("tty: open %s: %w", name, err)
	}
	d := &termiosDevice{fd: fd, name: name}
	if err := d.SetSpeed(baud); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return d, nil
}

func (d *termiosDevice) SetSpeed(bps int) error {
	t, err := unix.IoctlGetTermios(d.fd, unix.TCGETS2)
	if err != nil {
		return fmt.Errorf("tty: TCGETS2: %w", err)
	}
	// raw 8N1
	t.Iflag = 0
	t.Oflag = 0
	t.Lflag = 0
	t.Cflag &^= unix.CBAUD | unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	t.Cflag |= unix.BOTHER | unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Ispeed = uint32(bps)
	t.Ospeed = uint32(bps)
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(d.fd, unix.TCSETS2, t); err != nil {
		return fmt.Errorf("tty: TCSETS2 %d bps: %w", bps, err)
	}
	return nil
}

func (d *termiosDevice) Read(p []byte, timeout time.Duration) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	deadline := time.Now().Add(timeout)
	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("tty: poll: %w", err)
		}
		if n == 0 {
			return 0, diag.ErrTimeout
		}
		r, err := unix.Read(d.fd, p)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("tty: read: %w", err)
		}
		if r == 0 {
			// hangup
			return 0, fmt.Errorf("tty: %s: %w", d.name, ErrClosed)
		}
		return r, nil
	}
}

func (d *termiosDevice) Write(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(d.fd, p)
		if err == unix.EAGAIN || err == unix.EINTR {
			fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
			_, _ = unix.Poll(fds, 100)
			continue
		}
		if err != nil {
			return fmt.Errorf("tty: write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func (d *termiosDevice) FlushInput() error {
	return unix.IoctlSetInt(d.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func (d *termiosDevice) SetModem(dtr, rts bool) error {
	bits, err := unix.IoctlGetInt(d.fd, unix.TIOCMGET)
	if err != nil {
		return fmt.Errorf("tty: TIOCMGET: %w", err)
	}
	bits &^= unix.TIOCM_DTR | unix.TIOCM_RTS
	if dtr {
		bits |= unix.TIOCM_DTR
	}
	if rts {
		bits |= unix.TIOCM_RTS
	}
	return unix.IoctlSetPointerInt(d.fd, unix.TIOCMSET, bits)
}

func (d *termiosDevice) Break(dur time.Duration) error {
	if err := unix.IoctlSetInt(d.fd, unix.TIOCSBRK, 0); err != nil {
		return fmt.Errorf("tty: TIOCSBRK: %w", err)
	}
	time.Sleep(dur)
	return unix.IoctlSetInt(d.fd, unix.TIOCCBRK, 0)
}

func (d *termiosDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return unix.Close(d.fd)
}
