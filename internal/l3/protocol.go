package l3

import (
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// Kind selects a layer-3 protocol.
type Kind int

const (
	ISO14230 Kind = iota
	J1979
)

func (k Kind) String() string {
	switch k {
	case ISO14230:
		return "iso14230"
	case J1979:
		return "j1979"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "iso14230", "kwp2000":
		return ISO14230, nil
	case "j1979", "saej1979", "obd":
		return J1979, nil
	}
	return 0, fmt.Errorf("%w: l3 %q", diag.ErrProtocolNotSupported, s)
}

// Protocol is implemented by each layer-3 protocol.
type Protocol interface {
	start(c *Conn) error
	stop(c *Conn) error
	send(c *Conn, m diag.Message) error
	recv(c *Conn, timeout time.Duration) (diag.Batch, error)
	// timer runs the idle keepalive when due; elapsed is the time since the last send.
	timer(c *Conn, elapsed time.Duration) error
	decode(m diag.Message) string
}

func newProtocol(k Kind) (Protocol, error) {
	switch k {
	case ISO14230:
		return iso14230{}, nil
	case J1979:
		return j1979{}, nil
	}
	return nil, fmt.Errorf("%w: %s", diag.ErrProtocolNotSupported, k)
}
