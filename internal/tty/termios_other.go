//go:build !linux

package tty

import "fmt"

func openTermios(name string, baud int) (Device, error) {
	return nil, fmt.Errorf("tty: termios driver: %w", ErrNotSupported)
}
