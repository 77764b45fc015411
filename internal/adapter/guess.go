package adapter

import "github.com/kstaniek/go-kwp-diag/internal/diag"

// GuessFallback is returned when no candidate length carries a valid check
// byte; the whole payload region is handed up and L2 validates it.
const GuessFallback = 11

// checkerFor returns the check function for an ME response type byte.
func checkerFor(typ byte) func([]byte) byte {
	switch typ {
	case 0x10, 0x81, 0x87, 0x88: // ISO9141, ISO14230
		return diag.Checksum8
	case 0x02, 0x04: // J1850 VPW, PWM
		return diag.CRC8J1850
	default:
		return nil
	}
}

// GuessLength infers how many payload bytes (message plus its check byte)
// are real in a padded 14-byte ME response [addr, type, payload[11], cks].
//
// Candidates are tried from the longest down. A mismatch is only skipped when
// the byte after the candidate is zero padding; any other byte ends the search
// with GuessFallback. The longest valid candidate wins, so a short message
// whose genuine checksum is zero cannot be told apart from padding after a
// longer message.
func GuessLength(buf [14]byte) int {
	check := checkerFor(buf[1])
	if check == nil {
		return GuessFallback
	}
	payload := buf[2:13]
	for l := 10; l >= 1; l-- {
		if check(payload[:l]) == payload[l] {
			return l + 1
		}
		if payload[l] != 0 {
			return GuessFallback
		}
	}
	return GuessFallback
}
