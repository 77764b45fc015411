package server

import (
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-kwp-diag/internal/hub"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
	"github.com/kstaniek/go-kwp-diag/internal/wire"
)

// startWriter pushes hub frames to one TCP client in batches, flushing when
// a batch fills or every flush interval.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, log *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			_ = conn.Close()
			s.unregister(cl, log)
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		batch := make([]wire.Frame, 0, s.batchSize)
		flush := func() bool {
			if len(batch) == 0 {
				return true
			}
			n := len(batch)
			_, err := s.Codec.EncodeTo(conn, batch)
			batch = batch[:0]
			if err != nil {
				_ = s.fail(ErrConnWrite, err)
				return false
			}
			metrics.AddTCPTx(n)
			return true
		}
		for {
			select {
			case f := <-cl.Out:
				batch = append(batch, f)
				if len(batch) >= s.batchSize && !flush() {
					return
				}
			case <-t.C:
				if !flush() {
					return
				}
			case <-cl.Closed:
				flush()
				return
			case <-ctxDone:
				flush()
				return
			}
		}
	}()
}
