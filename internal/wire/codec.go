package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

// Codec encodes and decodes monitor frames. Stateless and safe for
// concurrent use.
//
// Each frame is: kind(1) fmt(1) src(1) dest(1) timestamp(8, unix
// microseconds, big endian) len(1) data(len).
type Codec struct{}

const headerSize = 13

var (
	// ErrUnknownKind is returned for a frame whose kind byte is not defined.
	ErrUnknownKind = errors.New("wire: unknown frame kind")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
	// ErrTooLong is returned when encoding a payload over MaxData bytes.
	ErrTooLong = errors.New("wire: payload too long")
)

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (headerSize + 16))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns the bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []Frame) (int, error) {
	var total int
	var hdr [headerSize]byte
	for _, f := range frames {
		if len(f.Data) > MaxData {
			return total, fmt.Errorf("%w: %d bytes", ErrTooLong, len(f.Data))
		}
		hdr[0] = byte(f.Kind)
		hdr[1] = byte(f.Fmt)
		hdr[2] = f.Src
		hdr[3] = f.Dest
		var us int64
		if !f.Time.IsZero() {
			us = f.Time.UnixMicro()
		}
		binary.BigEndian.PutUint64(hdr[4:12], uint64(us))
		hdr[12] = byte(len(f.Data))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode header: %w", err)
		}
		if len(f.Data) > 0 {
			n, err = w.Write(f.Data)
			total += n
			if err != nil {
				return total, fmt.Errorf("wire encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF when r is
// exhausted at a frame boundary.
func (c *Codec) Decode(r io.Reader) (Frame, error) {
	var f Frame
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return f, err
	}
	if _, err := io.ReadFull(r, hdr[1:]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return f, fmt.Errorf("wire decode header: %w", ErrTruncatedFrame)
		}
		return f, fmt.Errorf("wire decode header: %w", err)
	}
	f.Kind = Kind(hdr[0])
	if !f.Kind.valid() {
		metrics.IncMalformed()
		return f, fmt.Errorf("%w (0x%02X)", ErrUnknownKind, hdr[0])
	}
	f.Fmt = diag.Fmt(hdr[1])
	f.Src, f.Dest = hdr[2], hdr[3]
	if us := int64(binary.BigEndian.Uint64(hdr[4:12])); us != 0 {
		f.Time = time.UnixMicro(us)
	}
	if n := int(hdr[12]); n > 0 {
		f.Data = make([]byte, n)
		if _, err := io.ReadFull(r, f.Data); err != nil {
			metrics.IncMalformed()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return f, fmt.Errorf("wire decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("wire decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (all of them when max <= 0), calling
// onFrame for each. It returns the count and the terminal error, which is
// io.EOF at a clean end of stream.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		f, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(f)
		n++
	}
	return n, nil
}
