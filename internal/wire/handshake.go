package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Hello is exchanged in both directions before any frame.
const Hello = "KWPMONv1"

// ErrBadHello is returned when the peer greets with anything but Hello.
var ErrBadHello = errors.New("wire: bad hello")

// Handshake writes Hello and expects the peer's Hello within timeout.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})

	errCh := make(chan error, 2)
	go func() {
		_, err := io.WriteString(c, Hello)
		errCh <- err
	}()
	go func() {
		buf := make([]byte, len(Hello))
		_, err := io.ReadFull(c, buf)
		if err == nil && string(buf) != Hello {
			err = fmt.Errorf("%w: %q", ErrBadHello, buf)
		}
		errCh <- err
	}()

	for range 2 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}
		}
	}
	return nil
}
