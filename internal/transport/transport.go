// Package transport holds the plumbing shared by the monitor servers: the
// frame codec capabilities they rely on and a single-goroutine work queue.
package transport

import (
	"io"

	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

// FrameDecoder decodes a single monitor frame from a stream.
type FrameDecoder interface {
	Decode(r io.Reader) (wire.Frame, error)
}

// MultiFrameDecoder drains several frames from a stream.
type MultiFrameDecoder interface {
	DecodeN(r io.Reader, max int, onFrame func(wire.Frame)) (int, error)
}

// FrameBatchEncoder encodes batches to bytes or straight to a writer.
type FrameBatchEncoder interface {
	Encode([]wire.Frame) []byte
	EncodeTo(w io.Writer, frames []wire.Frame) (int, error)
}

// Codec is everything the TCP server needs from a frame codec.
type Codec interface {
	FrameDecoder
	MultiFrameDecoder
	FrameBatchEncoder
}

var _ Codec = (*wire.Codec)(nil)
