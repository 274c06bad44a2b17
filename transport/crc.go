package transport

// Checksum computes the 16-bit frame checksum of payload.
//
// It is the reflected CCITT variant used by the ACE firmware (CRC-16/MCRF4XX):
// initial value 0xFFFF, no final xor.
func Checksum(payload []byte) uint16 {
	crc := uint16(0xffff)
	for _, b := range payload {
		data := b ^ byte(crc&0xff)
		data ^= data << 4
		d := uint16(data)
		crc = ((d << 8) | (crc >> 8)) ^ (d >> 4) ^ (d << 3)
	}

	return crc
}
