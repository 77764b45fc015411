package l3

import (
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/kstaniek/go-kwp-diag/internal/diag"
	"github.com/kstaniek/go-kwp-diag/internal/metrics"
)

const (
	busySends    = 4 // first send plus three repeats
	replySlack   = 10 * time.Millisecond
	headerLen    = 3
	j1979Source  = 0xF1
	j1979Timeout = 3500 * time.Millisecond
)

var errBusy = errors.New("busy-repeatRequest")

// Request sends m and waits for its reply. A busy-repeatRequest answer is
// resent up to three times. A responsePending answer is dropped and the
// read repeated, without resending, for as long as the ECU keeps asking.
// Any other negative answer is returned as *diag.NegativeResponseError.
func (c *Conn) Request(m diag.Message) (diag.Batch, error) {
	var (
		reply diag.Batch
		busy  diag.Message
		sends int
	)
	if len(c.pending) > 0 {
		c.trace(diag.DebugProto, "l3_stale_dropped", "count", len(c.pending))
		c.pending = nil
	}
	err := retry.Do(func() error {
		if sends++; sends > 1 {
			metrics.IncBusyRetry()
		}
		if err := c.Send(m); err != nil {
			return retry.Unrecoverable(err)
		}
		b, err := c.awaitReply()
		if err != nil {
			return retry.Unrecoverable(err)
		}
		first := b[0]
		if nrc, ok := negativeCode(first); ok && nrc == diag.NRCBusyRepeatRequest {
			busy = first
			return errBusy
		}
		reply = b
		return nil
	},
		retry.Attempts(busySends),
		retry.Delay(0),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errBusy) }),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("l3_request_retry", "attempt", n+1, "reason", err)
		}),
		retry.LastErrorOnly(true),
	)
	switch {
	case errors.Is(err, errBusy):
		metrics.IncNegative(fmt.Sprintf("0x%02X", diag.NRCBusyRepeatRequest))
		return nil, diag.NewNegativeResponse(busy)
	case err != nil:
		metrics.IncError(metrics.ErrRequest)
		return nil, err
	}

	first := reply[0]
	if len(first.Data) == 0 {
		return reply, fmt.Errorf("%w: undecodable reply", diag.ErrBadData)
	}
	if nrc, ok := negativeCode(first); ok {
		metrics.IncNegative(fmt.Sprintf("0x%02X", nrc))
		return reply, diag.NewNegativeResponse(first)
	}
	return reply, nil
}

// awaitReply reads until the first message is something other than a
// responsePending. Messages that arrived behind a pending answer are
// examined before the line is read again.
func (c *Conn) awaitReply() (diag.Batch, error) {
	t := c.lower.Timing()
	wait := t.P2Max + replySlack
	for {
		b, err := c.receive(wait)
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, diag.ErrTimeout
		}
		if nrc, ok := negativeCode(b[0]); !ok || nrc != diag.NRCResponsePending {
			return b, nil
		}
		metrics.IncPendingWait()
		c.trace(diag.DebugProto, "l3_response_pending", "src", fmt.Sprintf("0x%02X", b[0].Src))
		c.pending = append(c.pending, b[1:]...)
		wait = t.P2EMax
	}
}

// negativeCode returns the response code of a 0x7F reply.
func negativeCode(m diag.Message) (byte, bool) {
	if !diag.IsNegative(m) {
		return 0, false
	}
	if len(m.Data) < 3 {
		return 0, true
	}
	return m.Data[2], true
}
