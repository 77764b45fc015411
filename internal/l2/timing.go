package l2

import (
	"fmt"
	"time"
)

// Timing holds the ISO14230 timing parameters.
type Timing struct {
	P1Min, P1Max   time.Duration // inter-byte, ECU response
	P2Min, P2Max   time.Duration // request to response
	P2EMin, P2EMax time.Duration // extended P2 after responsePending
	P3Min, P3Max   time.Duration // response to next request
	P4Min, P4Max   time.Duration // inter-byte, tester request
}

// DefaultTiming returns the ISO14230 defaults.
func DefaultTiming() Timing {
	return Timing{
		P1Min: 0, P1Max: 20 * time.Millisecond,
		P2Min: 25 * time.Millisecond, P2Max: 50 * time.Millisecond,
		P2EMin: 25 * time.Millisecond, P2EMax: 5000 * time.Millisecond,
		P3Min: 55 * time.Millisecond, P3Max: 5000 * time.Millisecond,
		P4Min: 5 * time.Millisecond, P4Max: 20 * time.Millisecond,
	}
}

// KeepaliveInterval is the idle time after which a keepalive is due.
func (t Timing) KeepaliveInterval() time.Duration { return t.P3Max * 2 / 3 }

// Validate rejects inverted ranges.
func (t Timing) Validate() error {
	pairs := []struct {
		name     string
		min, max time.Duration
	}{
		{"p1", t.P1Min, t.P1Max},
		{"p2", t.P2Min, t.P2Max},
		{"p2e", t.P2EMin, t.P2EMax},
		{"p3", t.P3Min, t.P3Max},
		{"p4", t.P4Min, t.P4Max},
	}
	for _, p := range pairs {
		if p.min < 0 || p.max < p.min {
			return fmt.Errorf("timing %s: min %v max %v", p.name, p.min, p.max)
		}
	}
	return nil
}
