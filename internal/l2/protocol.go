package l2

import (
	"fmt"
	"strings"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

// Kind selects a layer-2 protocol.
type Kind int

const (
	ISO14230 Kind = iota
	Raw
)

func (k Kind) String() string {
	switch k {
	case ISO14230:
		return "iso14230"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "iso14230", "kwp2000", "14230":
		return ISO14230, nil
	case "raw":
		return Raw, nil
	}
	return 0, fmt.Errorf("%w: l2 %q", diag.ErrProtocolNotSupported, s)
}

// ProtoFlags describe what a protocol delivers to layer 3.
type ProtoFlags uint8

const (
	ProtoFramed         ProtoFlags = 1 << iota // Recv returns whole messages
	ProtoKeepalive                             // wants idle keepalives
	ProtoDataOnly                              // headers and checksum stripped
	ProtoConnectsAlways                        // start never talks to the ECU
)

func (f ProtoFlags) Has(x ProtoFlags) bool { return f&x == x }

// InitType selects how Start wakes the ECU.
type InitType int

const (
	SlowInit InitType = iota
	FastInit
	CarbInit
	MonitorInit
)

func (t InitType) String() string {
	switch t {
	case SlowInit:
		return "slow"
	case FastInit:
		return "fast"
	case CarbInit:
		return "carb"
	case MonitorInit:
		return "monitor"
	default:
		return fmt.Sprintf("init(%d)", int(t))
	}
}

// ParseInitType maps a configuration name to an InitType.
func ParseInitType(s string) (InitType, error) {
	switch strings.ToLower(s) {
	case "slow", "5baud":
		return SlowInit, nil
	case "fast":
		return FastInit, nil
	case "carb":
		return CarbInit, nil
	case "monitor":
		return MonitorInit, nil
	}
	return 0, fmt.Errorf("%w: init %q", diag.ErrInitNotSupported, s)
}

// StartArgs parameterize Start.
type StartArgs struct {
	Init       InitType
	Functional bool // functional (broadcast) addressing
	IdleJ1978  bool // keepalive with Mode 1 PID 0 instead of testerPresent
	Bitrate    int  // 0 selects 10400
	Target     byte
	Source     byte
}

// State of a layer-2 connection.
type State int

const (
	Closed State = iota
	Connecting
	Established
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	default:
		return "closed"
	}
}

// Protocol is implemented by each layer-2 protocol. One value serves one
// connection and may keep per-connection state.
type Protocol interface {
	flags() ProtoFlags
	start(c *Conn, args StartArgs) error
	stop(c *Conn) error
	send(c *Conn, m diag.Message) error
	recv(c *Conn, timeout time.Duration) (diag.Batch, error)
	request(c *Conn, m diag.Message) (diag.Batch, error)
	keepalive(c *Conn)
}

func newProtocol(k Kind) (Protocol, error) {
	switch k {
	case ISO14230:
		return &iso14230{hdr: hdrDefault}, nil
	case Raw:
		return &raw{}, nil
	}
	return nil, fmt.Errorf("%w: %s", diag.ErrProtocolNotSupported, k)
}
