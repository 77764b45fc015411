package diag

// Checksum8 is the additive 8-bit checksum used by ISO9141 and ISO14230.
func Checksum8(p []byte) byte {
	var sum byte
	for _, b := range p {
		sum += b
	}
	return sum
}

// CRC8J1850 is the SAE J1850 CRC: polynomial 0x1D, initial 0xFF, result complemented.
func CRC8J1850(p []byte) byte {
	crc := byte(0xFF)
	for _, b := range p {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x1D
			} else {
				crc <<= 1
			}
		}
	}
	return ^crc
}
