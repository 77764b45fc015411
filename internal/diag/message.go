package diag

import (
	"fmt"
	"strings"
	"time"
)

// Fmt describes how a message was framed and verified.
type Fmt uint8

const (
	FmtFuncAddr    Fmt = 1 << iota // functional (broadcast) addressing used
	FmtFramed                      // message is one complete frame
	FmtDataOnly                    // header and checksum removed
	FmtChecksummed                 // checksum was verified
	FmtBadChecksum                 // checksum verification failed
)

func (f Fmt) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	names := []struct {
		bit  Fmt
		name string
	}{
		{FmtFuncAddr, "func"},
		{FmtFramed, "framed"},
		{FmtDataOnly, "data"},
		{FmtChecksummed, "cks"},
		{FmtBadChecksum, "badcks"},
	}
	for _, n := range names {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Message is the unit exchanged between layers.
type Message struct {
	Data   []byte
	Src    byte
	Dest   byte
	Fmt    Fmt
	RxTime time.Time
}

// Batch is an ordered list of messages received within one timing window.
// The receiver owns the batch it was handed.
type Batch []Message

// Len returns the payload length.
func (m Message) Len() int { return len(m.Data) }

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	if m.Data != nil {
		c.Data = append([]byte(nil), m.Data...)
	}
	return c
}

func (m Message) String() string {
	return fmt.Sprintf("src=0x%02X dst=0x%02X fmt=%s len=%d data=[% X]", m.Src, m.Dest, m.Fmt, len(m.Data), m.Data)
}

// First returns the first message of the batch and whether it exists.
func (b Batch) First() (Message, bool) {
	if len(b) == 0 {
		return Message{}, false
	}
	return b[0], true
}

// Clone deep-copies every message of the batch.
func (b Batch) Clone() Batch {
	if b == nil {
		return nil
	}
	out := make(Batch, len(b))
	for i, m := range b {
		out[i] = m.Clone()
	}
	return out
}

// ParseHex parses space or comma separated hex bytes ("01 00", "0x01,0x00", "0100").
func ParseHex(s string) ([]byte, error) {
	s = strings.NewReplacer(",", " ", "0x", "", "0X", "").Replace(strings.TrimSpace(s))
	fields := strings.Fields(s)
	if len(fields) == 1 && len(fields[0]) > 2 {
		f := fields[0]
		if len(f)%2 != 0 {
			return nil, fmt.Errorf("%w: odd hex length %q", ErrBadData, f)
		}
		fields = fields[:0]
		for i := 0; i < len(f); i += 2 {
			fields = append(fields, f[i:i+2])
		}
	}
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		var v uint8
		if _, err := fmt.Sscanf(f, "%x", &v); err != nil || len(f) > 2 {
			return nil, fmt.Errorf("%w: bad hex byte %q", ErrBadData, f)
		}
		out = append(out, v)
	}
	return out, nil
}
