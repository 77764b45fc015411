package diag

import (
	"fmt"
	"strings"
	"time"
)

// LinkFlags describe what a physical interface does on behalf of layer 2.
type LinkFlags uint32

const (
	LinkSlowInit         LinkFlags = 1 << iota // supports 5-baud init
	LinkFastInit                               // supports fast init
	LinkPrefSlow                               // prefers 5-baud init
	LinkPrefFast                               // prefers fast init
	LinkHalfDuplex                             // echoes are removed by the link
	LinkDoesL2Frame                            // each Recv returns one whole L2 frame
	LinkDoesSlowInit                           // handles the key byte exchange itself
	LinkDoesL2Checksum                         // appends the L2 checksum on send
	LinkStripsL2Checksum                       // checks and strips the L2 checksum on receive
	LinkDoesP4Wait                             // applies the P4 inter-byte gap itself
	LinkDataOnly                               // adds headers and checksum itself
	LinkDoesFullInit                           // performs the complete start-communication handshake
	LinkDoesKeepalive                          // sends periodic idle traffic itself
)

// Has reports whether all bits of f are set.
func (l LinkFlags) Has(f LinkFlags) bool { return l&f == f }

// Any reports whether any bit of f is set.
func (l LinkFlags) Any(f LinkFlags) bool { return l&f != 0 }

// InitKind selects the bus wake-up sequence.
type InitKind int

const (
	InitNone InitKind = iota
	InitFast
	Init5Baud
)

func (k InitKind) String() string {
	switch k {
	case InitFast:
		return "fast"
	case Init5Baud:
		return "5baud"
	default:
		return "none"
	}
}

// InitArgs parameterize Link.InitBus.
type InitArgs struct {
	Kind InitKind
	Addr byte // target address for 5-baud init
}

// Link is a physical diagnostic interface as seen by layer 2.
type Link interface {
	Flags() LinkFlags
	SetSpeed(bps int) error
	InitBus(args InitArgs) error
	// Send transmits p, spacing bytes by p4 when the link does not do it itself.
	Send(p []byte, p4 time.Duration) error
	// Recv blocks until at least one byte arrives or timeout elapses (ErrTimeout).
	Recv(p []byte, timeout time.Duration) (int, error)
	FlushInput() error
	Close() error
}

// Debug selects protocol tracing per layer.
type Debug uint16

const (
	DebugOpen Debug = 1 << iota
	DebugClose
	DebugRead
	DebugWrite
	DebugIoctl
	DebugProto
	DebugData
	DebugTimer

	DebugAll Debug = 1<<iota - 1
)

var debugNames = map[string]Debug{
	"open":  DebugOpen,
	"close": DebugClose,
	"read":  DebugRead,
	"write": DebugWrite,
	"ioctl": DebugIoctl,
	"proto": DebugProto,
	"data":  DebugData,
	"timer": DebugTimer,
	"all":   DebugAll,
}

// ParseDebug parses a comma separated list such as "read,write,proto".
func ParseDebug(s string) (Debug, error) {
	var d Debug
	for _, f := range strings.Split(s, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" || f == "none" {
			continue
		}
		v, ok := debugNames[f]
		if !ok {
			return 0, fmt.Errorf("unknown debug flag %q", f)
		}
		d |= v
	}
	return d, nil
}

// Has reports whether any bit of f is set.
func (d Debug) Has(f Debug) bool { return d&f != 0 }
