package l3

import (
	"fmt"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/l2"
)

// iso14230 carries KWP2000 services. Layer 2 does all framing, so it needs
// a framed layer 2 underneath.
type iso14230 struct{}

func (iso14230) start(c *Conn) error {
	if !c.l2Flags.Has(l2.ProtoFramed) {
		return fmt.Errorf("%w: KWP2000 needs a framed layer 2", diag.ErrProtocolNotSupported)
	}
	return nil
}

func (iso14230) stop(*Conn) error { return nil }

func (iso14230) send(c *Conn, m diag.Message) error {
	c.latchSource(m)
	c.trace(diag.DebugWrite, "l3_send", "kind", c.kind, "data", fmt.Sprintf("% X", m.Data))
	return c.lower.Send(m)
}

func (iso14230) recv(c *Conn, timeout time.Duration) (diag.Batch, error) {
	b, err := c.receive(timeout)
	if err == nil && c.debug.Has(diag.DebugData) {
		for _, m := range b {
			c.trace(diag.DebugData, "l3_recv", "decoded", diag.DescribeResponse(m))
		}
	}
	return b, err
}

func (iso14230) timer(c *Conn, elapsed time.Duration) error {
	if c.l2Flags.Has(l2.ProtoKeepalive) {
		return nil
	}
	if elapsed < c.lower.Timing().KeepaliveInterval() {
		return nil
	}
	data := []byte{diag.SIDTesterPresent}
	if c.j1978Idle {
		data = []byte{0x01, 0x00}
	}
	var err error
	c.lower.Quietly(func() {
		_, err = c.Request(diag.Message{Data: data, Src: c.src})
	})
	return err
}

func (iso14230) decode(m diag.Message) string {
	return "ISO14230 " + diag.DescribeResponse(m)
}
