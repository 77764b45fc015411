package diag

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestChecksum8(t *testing.T) {
	cases := []struct {
		in   []byte
		want byte
	}{
		{nil, 0x00},
		{[]byte{0x81, 0x10, 0xF1, 0x81}, 0x03},
		{[]byte{0xFF, 0x02}, 0x01},
		{[]byte{0xC1, 0x33, 0xF1, 0x81}, 0x66},
	}
	for _, c := range cases {
		if got := Checksum8(c.in); got != c.want {
			t.Fatalf("Checksum8(% X)=0x%02X want 0x%02X", c.in, got, c.want)
		}
	}
}

func TestCRC8J1850_CheckValue(t *testing.T) {
	if got := CRC8J1850([]byte("123456789")); got != 0x4B {
		t.Fatalf("check value 0x%02X want 0x4B", got)
	}
	if got := CRC8J1850(nil); got != 0x00 {
		t.Fatalf("empty crc 0x%02X want 0x00", got)
	}
}

func TestParseHex(t *testing.T) {
	cases := []struct {
		in   string
		want []byte
		err  bool
	}{
		{"01 00", []byte{0x01, 0x00}, false},
		{"0x01,0x0C", []byte{0x01, 0x0C}, false},
		{"3e", []byte{0x3E}, false},
		{"81", []byte{0x81}, false},
		{"0100", []byte{0x01, 0x00}, false},
		{"  21 01  ", []byte{0x21, 0x01}, false},
		{"010", nil, true},
		{"zz", nil, true},
		{"123 4", nil, true},
		{"", []byte{}, false},
	}
	for _, c := range cases {
		got, err := ParseHex(c.in)
		if c.err {
			if !errors.Is(err, ErrBadData) {
				t.Fatalf("ParseHex(%q) err=%v want ErrBadData", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseHex(%q): %v", c.in, err)
		}
		if string(got) != string(c.want) {
			t.Fatalf("ParseHex(%q)=% X want % X", c.in, got, c.want)
		}
	}
}

func TestParseDebug(t *testing.T) {
	d, err := ParseDebug("read, write,PROTO")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Has(DebugRead) || !d.Has(DebugWrite) || !d.Has(DebugProto) || d.Has(DebugData) {
		t.Fatalf("unexpected flags %08b", d)
	}
	if d, _ := ParseDebug("all"); d != DebugAll {
		t.Fatalf("all=%d", d)
	}
	if d, _ := ParseDebug("all"); d != 255 {
		t.Fatalf("all=%d", d)
	}
	if d, _ := ParseDebug("none"); d != 0 {
		t.Fatalf("none=%d", d)
	}
	if _, err := ParseDebug("bogus"); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestNegativeResponseError(t *testing.T) {
	m := Message{Data: []byte{0x7F, 0x21, 0x31}}
	err := error(NewNegativeResponse(m))
	if !errors.Is(err, ErrECUSaidNo) {
		t.Fatal("negative response must unwrap to ErrECUSaidNo")
	}
	var nr *NegativeResponseError
	if !errors.As(fmt.Errorf("request: %w", err), &nr) {
		t.Fatal("errors.As failed through wrap")
	}
	if nr.Service != 0x21 || nr.Code != 0x31 {
		t.Fatalf("service=0x%02X code=0x%02X", nr.Service, nr.Code)
	}
	if !strings.Contains(err.Error(), "readDataByLocalId") || !strings.Contains(err.Error(), "requestOutOfRange") {
		t.Fatalf("error text %q", err.Error())
	}
	// the stored response must not alias the caller's buffer
	m.Data[2] = 0
	if nr.Response.Data[2] != 0x31 {
		t.Fatal("response aliases input")
	}
}

func TestErrorKind(t *testing.T) {
	cases := map[error]string{
		nil:                                  "none",
		ErrTimeout:                           "timeout",
		fmt.Errorf("l2: %w", ErrBadChecksum): "bad_checksum",
		NewNegativeResponse(Message{}):       "ecu_said_no",
		ErrInitNotSupported:                  "init_not_supported",
		errors.New("other"):                  "general",
	}
	for err, want := range cases {
		if got := ErrorKind(err); got != want {
			t.Fatalf("ErrorKind(%v)=%q want %q", err, got, want)
		}
	}
}

func TestDescribeResponse(t *testing.T) {
	cases := []struct {
		data []byte
		want string
	}{
		{[]byte{0x61, 0x01, 0x02}, "readDataByLocalId ok"},
		{[]byte{0x7F, 0x10, 0x12}, "negative response to startDiagnosticSession: subFunctionNotSupported-invalidFormat"},
		{[]byte{0xC1, 0xEF, 0x8F}, "startCommunication ok kb1=0xEF kb2=0x8F"},
		{[]byte{0xC2}, "stopCommunication ok"},
		{[]byte{0x3E}, "testerPresent request"},
		{[]byte{0xFE}, "unknown response code 0xFE"},
		{nil, "empty message"},
	}
	for _, c := range cases {
		if got := DescribeResponse(Message{Data: c.data}); !strings.HasPrefix(got, c.want) {
			t.Fatalf("DescribeResponse(% X)=%q want prefix %q", c.data, got, c.want)
		}
	}
}

func TestMessageCloneAndFmt(t *testing.T) {
	m := Message{Data: []byte{1, 2, 3}, Fmt: FmtFramed | FmtChecksummed}
	c := m.Clone()
	c.Data[0] = 9
	if m.Data[0] != 1 {
		t.Fatal("clone aliases data")
	}
	if s := m.Fmt.String(); s != "framed|cks" {
		t.Fatalf("fmt string %q", s)
	}
	b := Batch{m}
	if f, ok := b.First(); !ok || f.Len() != 3 {
		t.Fatal("First")
	}
	if _, ok := Batch(nil).First(); ok {
		t.Fatal("empty batch First")
	}
}
