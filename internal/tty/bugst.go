package tty

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// openSerialPort is swapped by tests.
var openSerialPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// bugstDevice drives a port through go.bug.st/serial.
type bugstDevice struct {
	port    serial.Port
	name    string
	timeout time.Duration // last read timeout programmed into the port
	closed  atomic.Bool
}

func openBugst(name string, baud int) (Device, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := openSerialPort(name, mode)
	if err != nil {
		return nil, fmt.Errorf("tty: open %s: %w", name, err)
	}
	return &bugstDevice{port: p, name: name, timeout: -1}, nil
}

func (d *bugstDevice) Read(p []byte, timeout time.Duration) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if timeout != d.timeout {
		if err := d.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("tty: set read timeout: %w", err)
		}
		d.timeout = timeout
	}
	n, err := d.port.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, diag.ErrTimeout
	}
	return n, nil
}

func (d *bugstDevice) Write(p []byte) error {
	for len(p) > 0 {
		n, err := d.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (d *bugstDevice) FlushInput() error { return d.port.ResetInputBuffer() }

func (d *bugstDevice) SetSpeed(bps int) error {
	return d.port.SetMode(&serial.Mode{
		BaudRate: bps,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

func (d *bugstDevice) SetModem(dtr, rts bool) error {
	if err := d.port.SetDTR(dtr); err != nil {
		return err
	}
	return d.port.SetRTS(rts)
}

func (d *bugstDevice) Break(dur time.Duration) error { return d.port.Break(dur) }

func (d *bugstDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	return d.port.Close()
}
