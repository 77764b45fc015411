package l2

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

func TestRaw_PassThrough(t *testing.T) {
	withClock(t)
	link := &fakeLink{}
	link.respond = func([]byte) [][]byte { return [][]byte{{0x48, 0x6B, 0x10, 0x41, 0x00}, {0xBE, 0x1F}} }
	c, err := Start(link, Raw, StartArgs{Target: 0x33, Source: 0xF1}, WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if c.Flags().Has(ProtoFramed) || !c.Flags().Has(ProtoConnectsAlways) {
		t.Fatalf("flags %b", c.Flags())
	}
	if len(link.speeds) != 1 || link.speeds[0] != 10400 || len(link.inits) != 0 {
		t.Fatalf("speeds %v inits %v", link.speeds, link.inits)
	}
	b, err := c.Request(diag.Message{Data: []byte{0x68, 0x6A, 0xF1, 0x01, 0x00, 0xC4}})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(link.sent[0], []byte{0x68, 0x6A, 0xF1, 0x01, 0x00, 0xC4}) {
		t.Fatalf("sent % X", link.sent[0])
	}
	if link.waits[0] != rawRequestWait {
		t.Fatalf("wait %v", link.waits[0])
	}
	// One read window, one message: the second chunk is left for the next Recv.
	if len(b) != 1 || b[0].Fmt != 0 || !bytes.Equal(b[0].Data, []byte{0x48, 0x6B, 0x10, 0x41, 0x00}) {
		t.Fatalf("got %v", b)
	}
	b, err = c.Recv(0)
	if err != nil || !bytes.Equal(b[0].Data, []byte{0xBE, 0x1F}) {
		t.Fatalf("second read %v err=%v", b, err)
	}
	c.Tick(testEpoch.Add(1e12))
	if len(link.sent) != 1 {
		t.Fatal("raw connection sent a keepalive")
	}
	if err := c.Stop(); err != nil || c.State() != Closed {
		t.Fatalf("stop err=%v state=%v", err, c.State())
	}
}
