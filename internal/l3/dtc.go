package l3

import "fmt"

const dtcAreas = "PCBU"

// DecodeDTC formats a two-byte trouble code, e.g. 01 33 -> P0133.
func DecodeDTC(b0, b1 byte) string {
	return fmt.Sprintf("%c%02X%02X", dtcAreas[b0>>6], b0&0x3F, b1)
}

// DecodeDTCs formats the code pairs of a Mode 3 reply payload (the bytes
// after 0x43). Empty 00 00 slots are skipped, as is a trailing odd byte.
func DecodeDTCs(p []byte) []string {
	var out []string
	for i := 0; i+1 < len(p); i += 2 {
		if p[i] == 0 && p[i+1] == 0 {
			continue
		}
		out = append(out, DecodeDTC(p[i], p[i+1]))
	}
	return out
}
