package adapter

import (
	"errors"
	"testing"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
)

func newTestME(t *testing.T, dev *fakeDev, bus Bus) *ME {
	t.Helper()
	m, err := NewME(dev, Options{Bus: bus})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestME_OpenPowersAndSetsSpeed(t *testing.T) {
	dev := &fakeDev{}
	newTestME(t, dev, BusISO14230)
	if len(dev.speeds) != 1 || dev.speeds[0] != 19200 {
		t.Fatalf("speeds %v", dev.speeds)
	}
	if !dev.modemSet || !dev.dtr || dev.rts {
		t.Fatalf("modem dtr=%v rts=%v", dev.dtr, dev.rts)
	}
	if dev.flushes == 0 {
		t.Fatal("input not flushed")
	}
}

func TestME_SendFraming(t *testing.T) {
	dev := &fakeDev{}
	m := newTestME(t, dev, BusISO14230)
	if err := m.InitBus(diag.InitArgs{Kind: diag.InitFast}); err != nil {
		t.Fatal(err)
	}
	req := []byte{0xC1, 0x33, 0xF1, 0x81, 0x66}
	if err := m.Send(req, 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Send([]byte{0x3E}, 0); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 2 {
		t.Fatalf("writes %d", len(dev.writes))
	}
	first, second := dev.writes[0], dev.writes[1]
	if len(first) != meTxLen || first[0] != 0x38 || first[1] != 0x87 || first[2] != 5 {
		t.Fatalf("first frame % X", first)
	}
	if string(first[3:8]) != string(req) {
		t.Fatalf("payload % X", first[3:8])
	}
	if first[14] != diag.Checksum8(first[1:14]) {
		t.Fatalf("tx checksum 0x%02X", first[14])
	}
	if second[1] != 0x88 {
		t.Fatalf("second cmd 0x%02X want 0x88", second[1])
	}
	if err := m.Send(make([]byte, 12), 0); !errors.Is(err, diag.ErrBadLength) {
		t.Fatalf("oversize send: %v", err)
	}
	if err := m.Send(nil, 0); !errors.Is(err, diag.ErrBadLength) {
		t.Fatalf("empty send: %v", err)
	}
}

func TestME_SendCommandPerBus(t *testing.T) {
	for bus, cmd := range map[Bus]byte{BusISO9141: 0x10, BusJ1850VPW: 0x02, BusJ1850PWM: 0x04} {
		dev := &fakeDev{}
		m := newTestME(t, dev, bus)
		if err := m.Send([]byte{0x68, 0x6A, 0xF1, 0x01, 0x00}, 0); err != nil {
			t.Fatal(err)
		}
		if dev.writes[0][1] != cmd {
			t.Fatalf("%s: cmd 0x%02X want 0x%02X", bus, dev.writes[0][1], cmd)
		}
	}
}

func TestME_RecvFrame(t *testing.T) {
	rx := meFrame(0x81, []byte{0x83, 0xF1, 0x10, 0x61, 0x01}, diag.Checksum8)
	dev := &fakeDev{chunks: [][]byte{rx[:5], rx[5:]}}
	m := newTestME(t, dev, BusISO14230)
	buf := make([]byte, 64)
	n, err := m.Recv(buf, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x83, 0xF1, 0x10, 0x61, 0x01, diag.Checksum8([]byte{0x83, 0xF1, 0x10, 0x61, 0x01})}
	if string(buf[:n]) != string(want) {
		t.Fatalf("got % X want % X", buf[:n], want)
	}
	if _, err := m.Recv(buf, time.Millisecond); !errors.Is(err, diag.ErrTimeout) {
		t.Fatalf("empty read: %v", err)
	}
}

func TestME_RecvShortBufferKeepsRemainder(t *testing.T) {
	rx := meFrame(0x81, []byte{0x83, 0xF1, 0x10, 0x61, 0x01}, diag.Checksum8)
	dev := &fakeDev{chunks: [][]byte{rx[:]}}
	m := newTestME(t, dev, BusISO14230)
	buf := make([]byte, 4)
	n1, err := m.Recv(buf, time.Millisecond)
	if err != nil || n1 != 4 {
		t.Fatalf("first n=%d err=%v", n1, err)
	}
	n2, err := m.Recv(buf, time.Millisecond)
	if err != nil || n2 != 2 {
		t.Fatalf("remainder n=%d err=%v", n2, err)
	}
	if buf[0] != 0x01 {
		t.Fatalf("remainder starts 0x%02X", buf[0])
	}
}

func TestME_ErrorFrames(t *testing.T) {
	cases := []struct {
		code byte
		want error
	}{
		{0x05, diag.ErrTimeout},
		{0x07, diag.ErrTimeout},
		{0x0C, diag.ErrTimeout},
		{0x01, diag.ErrGeneral},
	}
	for _, c := range cases {
		var rx [14]byte
		rx[0], rx[1], rx[3] = meAddress, meErrType, c.code
		rx[13] = diag.Checksum8(rx[1:13])
		m := newTestME(t, &fakeDev{chunks: [][]byte{rx[:]}}, BusISO14230)
		if _, err := m.Recv(make([]byte, 16), time.Millisecond); !errors.Is(err, c.want) {
			t.Fatalf("code 0x%02X: err=%v want %v", c.code, err, c.want)
		}
	}
}

func TestME_BadAdapterChecksumStillDelivers(t *testing.T) {
	rx := meFrame(0x81, []byte{0xC1, 0xEF, 0x8F}, diag.Checksum8)
	rx[13] ^= 0xFF
	m := newTestME(t, &fakeDev{chunks: [][]byte{rx[:]}}, BusISO14230)
	buf := make([]byte, 16)
	n, err := m.Recv(buf, time.Millisecond)
	if err != nil || n != 4 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestME_SlowInitKeyBytes(t *testing.T) {
	var ack, kb [14]byte
	ack[0], ack[1] = meAddress, 0x85
	ack[13] = diag.Checksum8(ack[1:13])
	kb[0], kb[1], kb[2], kb[3] = meAddress, 0x86, 0xEF, 0x8F
	kb[13] = diag.Checksum8(kb[1:13])

	dev := &fakeDev{chunks: [][]byte{ack[:], kb[:]}}
	m := newTestME(t, dev, BusISO14230)
	if err := m.InitBus(diag.InitArgs{Kind: diag.Init5Baud, Addr: 0x33}); err != nil {
		t.Fatal(err)
	}
	if len(dev.writes) != 2 || dev.writes[0][1] != 0x85 || dev.writes[0][2] != 1 || dev.writes[0][3] != 0x3E || dev.writes[1][1] != 0x86 {
		t.Fatalf("init writes % X", dev.writes)
	}
	// one byte at a time: KB1 then KB2
	var b [1]byte
	if n, err := m.Recv(b[:], time.Millisecond); err != nil || n != 1 || b[0] != 0xEF {
		t.Fatalf("kb1 n=%d err=%v b=0x%02X", n, err, b[0])
	}
	if n, err := m.Recv(b[:], time.Millisecond); err != nil || n != 1 || b[0] != 0x8F {
		t.Fatalf("kb2 n=%d err=%v b=0x%02X", n, err, b[0])
	}
	if _, err := m.Recv(b[:], time.Millisecond); !errors.Is(err, diag.ErrTimeout) {
		t.Fatalf("after key bytes: %v", err)
	}
}

func TestME_SlowInitRejected(t *testing.T) {
	var nak [14]byte
	nak[0], nak[1], nak[3] = meAddress, meErrType, 0x0C
	m := newTestME(t, &fakeDev{chunks: [][]byte{nak[:]}}, BusISO14230)
	if err := m.InitBus(diag.InitArgs{Kind: diag.Init5Baud, Addr: 0x33}); !errors.Is(err, diag.ErrGeneral) {
		t.Fatalf("err=%v", err)
	}
}

func TestME_ISO9141RawInitSetsBaud(t *testing.T) {
	dev := &fakeDev{chunks: [][]byte{{37}, {0x08, 0x08}}}
	m := newTestME(t, dev, BusISO9141)
	if err := m.InitBus(diag.InitArgs{Kind: diag.Init5Baud, Addr: 0x33}); err != nil {
		t.Fatal(err)
	}
	if got := dev.speeds[len(dev.speeds)-1]; got != 10400 {
		t.Fatalf("speed %d want 10400", got)
	}
	if dev.writes[0][1] != 0x20 || dev.writes[0][2] != 0x33 {
		t.Fatalf("raw init frame % X", dev.writes[0])
	}
	// raw mode passes bytes straight through
	buf := make([]byte, 4)
	if n, err := m.Recv(buf, time.Millisecond); err != nil || n != 2 {
		t.Fatalf("raw recv n=%d err=%v", n, err)
	}
	if err := m.Send([]byte{0xF7}, 0); err != nil || len(dev.writes[1]) != 1 {
		t.Fatalf("raw send % X err=%v", dev.writes, err)
	}
}

func TestME_Flags(t *testing.T) {
	m := newTestME(t, &fakeDev{}, BusISO14230)
	f := m.Flags()
	if !f.Has(diag.LinkDoesL2Frame|diag.LinkDoesSlowInit|diag.LinkDoesL2Checksum|diag.LinkPrefFast) || f.Has(diag.LinkStripsL2Checksum) {
		t.Fatalf("flags %b", f)
	}
}
