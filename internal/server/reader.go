package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/hub"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

const readBatch = 16

// startReader turns request frames from one TCP client into session requests.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, log *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.readDeadline))
			_, err := s.Codec.DecodeN(conn, readBatch, func(f wire.Frame) {
				metrics.IncTCPRx()
				s.submit(f, cl, log)
			})
			if err != nil {
				var ne net.Error
				switch {
				case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
					return
				case errors.As(err, &ne) && ne.Timeout():
					// idle client; keep waiting unless we are shutting down
				case errors.Is(err, wire.ErrUnknownKind), errors.Is(err, wire.ErrTruncatedFrame):
					log.Warn("client_stream_corrupt", "error", err)
					_ = s.fail(ErrConnRead, err)
					return
				default:
					_ = s.fail(ErrConnRead, err)
					return
				}
			}
			select {
			case <-ctxDone:
				return
			case <-cl.Closed:
				return
			default:
			}
		}
	}()
}
