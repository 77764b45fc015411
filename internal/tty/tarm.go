package tty

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// tarmPort is the subset of *serial.Port used here.
type tarmPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

var openTarmPort = func(cfg *serial.Config) (tarmPort, error) { return serial.OpenPort(cfg) }

// tarmDevice reads in fixed quanta: tarm only supports one read timeout
// fixed at open time, so longer waits loop and speed changes reopen.
type tarmDevice struct {
	port    tarmPort
	name    string
	quantum time.Duration
}

func openTarm(name string, baud int, quantum time.Duration) (Device, error) {
	p, err := openTarmPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: quantum})
	if err != nil {
		return nil, fmt.Errorf("tty: open %s: %w", name, err)
	}
	return &tarmDevice{port: p, name: name, quantum: quantum}, nil
}

func (d *tarmDevice) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := d.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if !time.Now().Before(deadline) {
			return 0, diag.ErrTimeout
		}
	}
}

func (d *tarmDevice) Write(p []byte) error {
	for len(p) > 0 {
		n, err := d.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// FlushInput discards both directions; tarm has no input-only flush.
func (d *tarmDevice) FlushInput() error { return d.port.Flush() }

func (d *tarmDevice) SetSpeed(bps int) error {
	if err := d.port.Close(); err != nil {
		return err
	}
	p, err := openTarmPort(&serial.Config{Name: d.name, Baud: bps, ReadTimeout: d.quantum})
	if err != nil {
		return fmt.Errorf("tty: reopen %s at %d: %w", d.name, bps, err)
	}
	d.port = p
	return nil
}

func (d *tarmDevice) SetModem(dtr, rts bool) error { return ErrNotSupported }

func (d *tarmDevice) Break(time.Duration) error { return ErrNotSupported }

func (d *tarmDevice) Close() error { return d.port.Close() }
