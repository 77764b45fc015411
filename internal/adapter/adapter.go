// Package adapter implements diag.Link for the supported diagnostic
// interfaces: the Multiplex Engineering T16 ("me"), a passive K-line cable
// ("dumb") and a scripted ECU simulator ("sim").
package adapter

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/logging"
	"github.com/kstaniek/go-kwp-diag/internal/tty"
)

// Test hooks.
var (
	sleepFn = time.Sleep
	nowFn   = time.Now
)

// Bus is the physical bus protocol an adapter is driven for.
type Bus int

const (
	BusISO14230 Bus = iota
	BusISO9141
	BusJ1850VPW
	BusJ1850PWM
)

func (b Bus) String() string {
	switch b {
	case BusISO14230:
		return "iso14230"
	case BusISO9141:
		return "iso9141"
	case BusJ1850VPW:
		return "j1850vpw"
	case BusJ1850PWM:
		return "j1850pwm"
	default:
		return fmt.Sprintf("bus(%d)", int(b))
	}
}

const (
	KindME   = "me"
	KindDumb = "dumb"
	KindSim  = "sim"
)

// Kinds lists the adapter names accepted by Open and OpenSim.
var Kinds = []string{KindME, KindDumb, KindSim}

// Options configure an adapter.
type Options struct {
	Bus Bus
	// Power drives DTR high and RTS low on open (dumb adapters powered from
	// the modem lines).
	Power  bool
	Debug  diag.Debug
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.L()
}

// Open wraps an opened device in the adapter named kind.
func Open(kind string, dev tty.Device, o Options) (diag.Link, error) {
	switch kind {
	case KindME:
		return NewME(dev, o)
	case KindDumb:
		return NewDumb(dev, o)
	case KindSim:
		return nil, fmt.Errorf("adapter: sim needs a scenario file: %w", diag.ErrProtocolNotSupported)
	default:
		return nil, fmt.Errorf("adapter %q: %w", kind, diag.ErrProtocolNotSupported)
	}
}

func writeAll(dev tty.Device, p []byte) error {
	if err := dev.Write(p); err != nil {
		return fmt.Errorf("adapter write: %w", err)
	}
	return nil
}
