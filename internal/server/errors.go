package server

import (
	"errors"

	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrHandshake = errors.New("handshake")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	ErrWSRead    = errors.New("ws_read")
	ErrWSWrite   = errors.New("ws_write")
	ErrContext   = errors.New("context_cancelled")
	// ErrNoSession is reported to clients when no diagnostic session takes requests.
	ErrNoSession = errors.New("no diagnostic session")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead), errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrWSRead):
		return metrics.ErrWSRead
	case errors.Is(err, ErrWSWrite):
		return metrics.ErrWSWrite
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
