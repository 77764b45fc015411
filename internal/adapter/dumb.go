package adapter

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/tty"
)

const (
	dumbIdle       = 300 * time.Millisecond // W5 bus idle before any init
	dumbFastLow    = 25 * time.Millisecond  // TiniL
	dumbFastHigh   = 25 * time.Millisecond
	dumbBitPeriod  = 200 * time.Millisecond // one bit at 5 bps
	dumbW0         = 2 * time.Millisecond
	dumbSyncWait   = 300 * time.Millisecond
	dumbEchoWait   = time.Second
	dumbSyncByte   = 0x55
	dumbAddrBits   = 8
	dumbDefaultBps = 10400
)

// Dumb drives a passive K-line interface: every bit of timing is done on
// the host and the adapter echoes everything written to the bus.
type Dumb struct {
	dev   tty.Device
	log   *slog.Logger
	debug diag.Debug
	bps   int
}

func NewDumb(dev tty.Device, o Options) (*Dumb, error) {
	d := &Dumb{dev: dev, log: o.logger(), debug: o.Debug, bps: dumbDefaultBps}
	if o.Power {
		if err := dev.SetModem(true, false); err != nil && !errors.Is(err, tty.ErrNotSupported) {
			return nil, fmt.Errorf("dumb: power: %w", err)
		}
	}
	_ = dev.FlushInput()
	if d.debug.Has(diag.DebugOpen) {
		d.log.Debug("dumb_open", "power", o.Power)
	}
	return d, nil
}

func (d *Dumb) Flags() diag.LinkFlags {
	return diag.LinkSlowInit | diag.LinkFastInit | diag.LinkHalfDuplex
}

func (d *Dumb) SetSpeed(bps int) error {
	if err := d.dev.SetSpeed(bps); err != nil {
		return fmt.Errorf("dumb: set speed %d: %w", bps, err)
	}
	d.bps = bps
	return nil
}

func (d *Dumb) FlushInput() error { return d.dev.FlushInput() }

func (d *Dumb) Close() error {
	if d.debug.Has(diag.DebugClose) {
		d.log.Debug("dumb_close")
	}
	return d.dev.Close()
}

func (d *Dumb) InitBus(args diag.InitArgs) error {
	if d.debug.Has(diag.DebugIoctl) {
		d.log.Debug("dumb_initbus", "kind", args.Kind.String(), "addr", args.Addr)
	}
	_ = d.dev.FlushInput()
	sleepFn(dumbIdle)
	var err error
	switch args.Kind {
	case diag.InitFast:
		err = d.fastInit()
	case diag.Init5Baud:
		err = d.slowInit(args.Addr)
	default:
		err = diag.ErrInitNotSupported
	}
	// the break sequence may leave the port in a different state
	if serr := d.dev.SetSpeed(d.bps); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (d *Dumb) fastInit() error {
	if err := d.dev.Break(dumbFastLow); err != nil {
		return fmt.Errorf("dumb: fast init break: %w", err)
	}
	sleepFn(dumbFastHigh)
	return nil
}

// slowInit bit-bangs addr at 5 bps with breaks (start bit, 8 data bits LSB
// first, then the stop bit idle) and waits for the ECU sync byte.
func (d *Dumb) slowInit(addr byte) error {
	sleepFn(dumbW0)
	if err := d.dev.Break(dumbBitPeriod); err != nil {
		return fmt.Errorf("dumb: 5baud start bit: %w", err)
	}
	b := addr
	for i := 0; i < dumbAddrBits; i++ {
		if b&1 != 0 {
			sleepFn(dumbBitPeriod)
		} else if err := d.dev.Break(dumbBitPeriod); err != nil {
			return fmt.Errorf("dumb: 5baud bit %d: %w", i, err)
		}
		b >>= 1
	}
	sleepFn(dumbBitPeriod) // stop bit
	_ = d.dev.FlushInput()

	var sync [1]byte
	if _, err := d.dev.Read(sync[:], dumbSyncWait); err != nil {
		return fmt.Errorf("dumb: 5baud sync: %w", err)
	}
	if d.debug.Has(diag.DebugProto) {
		d.log.Debug("dumb_sync", "byte", sync[0])
	}
	if sync[0] != dumbSyncByte {
		return fmt.Errorf("dumb: sync byte 0x%02X: %w", sync[0], diag.ErrBadData)
	}
	return nil
}

// Send writes p one byte at a time, checking each echo and spacing bytes
// by p4.
func (d *Dumb) Send(p []byte, p4 time.Duration) error {
	if len(p) == 0 {
		return diag.ErrBadLength
	}
	if d.debug.Has(diag.DebugWrite) {
		d.log.Debug("dumb_send", "len", len(p), "data", fmt.Sprintf("% X", p))
	}
	var echo [1]byte
	for i, b := range p {
		if err := writeAll(d.dev, []byte{b}); err != nil {
			return err
		}
		if _, err := d.dev.Read(echo[:], dumbEchoWait); err != nil {
			return fmt.Errorf("dumb: echo of byte %d: %w", i, diag.ErrGeneral)
		}
		if echo[0] != b {
			return fmt.Errorf("dumb: bus error, echo 0x%02X want 0x%02X: %w", echo[0], b, diag.ErrBadData)
		}
		if p4 > 0 {
			sleepFn(p4)
		}
	}
	return nil
}

func (d *Dumb) Recv(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, diag.ErrBadLength
	}
	n, err := d.dev.Read(p, timeout)
	if err != nil {
		return 0, err
	}
	if d.debug.Has(diag.DebugRead) {
		d.log.Debug("dumb_recv", "data", fmt.Sprintf("% X", p[:n]))
	}
	return n, nil
}
