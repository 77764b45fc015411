package tty

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotSupported is returned by drivers that cannot perform an operation
// (modem control or break on tarm). Callers tolerate it.
var ErrNotSupported = errors.New("tty: operation not supported")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("tty: device closed")

// Device is a byte-stream serial device with timed reads.
type Device interface {
	// Read waits up to timeout for at least one byte. It returns
	// diag.ErrTimeout when nothing arrived.
	Read(p []byte, timeout time.Duration) (int, error)
	// Write transmits all of p or returns an error.
	Write(p []byte) error
	FlushInput() error
	SetSpeed(bps int) error
	SetModem(dtr, rts bool) error
	// Break holds the line low for d.
	Break(d time.Duration) error
	Close() error
}

// Options configure Open.
type Options struct {
	Driver      string        // termios | serial | tarm
	Baud        int           // initial speed, defaults to 10400
	ReadQuantum time.Duration // tarm read granularity, defaults to 100ms
}

const (
	DriverTermios = "termios"
	DriverSerial  = "serial"
	DriverTarm    = "tarm"
)

// Drivers lists the driver names accepted by Open.
var Drivers = []string{DriverTermios, DriverSerial, DriverTarm}

// Open opens name with the selected driver.
func Open(name string, o Options) (Device, error) {
	if o.Baud <= 0 {
		o.Baud = 10400
	}
	if o.ReadQuantum <= 0 {
		o.ReadQuantum = 100 * time.Millisecond
	}
	switch o.Driver {
	case DriverTermios:
		return openTermios(name, o.Baud)
	case DriverSerial, "":
		return openBugst(name, o.Baud)
	case DriverTarm:
		return openTarm(name, o.Baud, o.ReadQuantum)
	default:
		return nil, fmt.Errorf("tty: unknown driver %q", o.Driver)
	}
}
