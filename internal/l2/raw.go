package l2

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

const rawRequestWait = 1000 * time.Millisecond

// raw passes bytes through untouched. Framing is left to layer 3.
type raw struct {
	scratch [rxBufSize]byte
}

func (p *raw) flags() ProtoFlags { return ProtoConnectsAlways }

func (p *raw) start(c *Conn, args StartArgs) error {
	bitrate := args.Bitrate
	if bitrate == 0 {
		bitrate = defaultBitrate
	}
	c.speed = bitrate
	c.physAddr = args.Target
	return c.link.SetSpeed(bitrate)
}

func (p *raw) stop(*Conn) error { return nil }

func (p *raw) send(c *Conn, m diag.Message) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: empty message", diag.ErrBadLength)
	}
	c.trace(diag.DebugWrite, "l2_send", "data", fmt.Sprintf("% X", m.Data))
	return c.link.Send(m.Data, c.timing.P4Min)
}

// recv returns whatever one read window delivered as a single unframed message.
func (p *raw) recv(c *Conn, timeout time.Duration) (diag.Batch, error) {
	n, err := c.link.Recv(p.scratch[:], timeout)
	if err != nil {
		return nil, err
	}
	m := diag.Message{
		Data:   append([]byte(nil), p.scratch[:n]...),
		Src:    c.physAddr,
		Dest:   c.source,
		RxTime: nowFn(),
	}
	metrics.IncL2Rx()
	c.trace(diag.DebugRead, "l2_read", "data", fmt.Sprintf("% X", m.Data))
	return diag.Batch{m}, nil
}

func (p *raw) request(c *Conn, m diag.Message) (diag.Batch, error) {
	if err := c.Send(m); err != nil {
		return nil, err
	}
	return p.recv(c, rawRequestWait)
}

func (p *raw) keepalive(*Conn) {}
