package diag

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer. Wrap with %w and test with errors.Is.
var (
	ErrTimeout              = errors.New("timeout")
	ErrIncompleteData       = errors.New("incomplete data")
	ErrBadData              = errors.New("bad data")
	ErrBadChecksum          = errors.New("bad checksum")
	ErrWrongKeyByte         = errors.New("wrong key byte")
	ErrECUSaidNo            = errors.New("ecu said no")
	ErrNoMemory             = errors.New("no memory")
	ErrBadLength            = errors.New("bad length")
	ErrProtocolNotSupported = errors.New("protocol not supported")
	ErrInitNotSupported     = errors.New("init not supported")
	ErrGeneral              = errors.New("general failure")
)

// NegativeResponseError is returned when an ECU answers with a negative
// response that the retry logic did not absorb.
type NegativeResponseError struct {
	Service  byte
	Code     byte
	Response Message
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("negative response to %s (0x%02X): %s (0x%02X)",
		ServiceName(e.Service), e.Service, ResponseCodeName(e.Code), e.Code)
}

func (e *NegativeResponseError) Unwrap() error { return ErrECUSaidNo }

// NewNegativeResponse builds a NegativeResponseError from a 0x7F response.
func NewNegativeResponse(m Message) *NegativeResponseError {
	e := &NegativeResponseError{Response: m.Clone()}
	if len(m.Data) > 1 {
		e.Service = m.Data[1]
	}
	if len(m.Data) > 2 {
		e.Code = m.Data[2]
	}
	return e
}

// ErrorKind maps an error to a short, stable label for logs and metrics.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrIncompleteData):
		return "incomplete_data"
	case errors.Is(err, ErrBadData):
		return "bad_data"
	case errors.Is(err, ErrBadChecksum):
		return "bad_checksum"
	case errors.Is(err, ErrWrongKeyByte):
		return "wrong_keybyte"
	case errors.Is(err, ErrECUSaidNo):
		return "ecu_said_no"
	case errors.Is(err, ErrNoMemory):
		return "no_memory"
	case errors.Is(err, ErrBadLength):
		return "bad_length"
	case errors.Is(err, ErrProtocolNotSupported):
		return "protocol_not_supported"
	case errors.Is(err, ErrInitNotSupported):
		return "init_not_supported"
	default:
		return "general"
	}
}
