package wire

// CRC-16/CCITT-FALSE: poly 0x1021, init 0xffff, no reflection, no final xor.
const (
	crcPoly = 0x1021
	crcInit = 0xffff
)

var crcTable = func() (t [256]uint16) {
	for i := range t {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// Checksum16 returns the frame checksum of data.
func Checksum16(data []byte) uint16 {
	crc := uint16(crcInit)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// Verify reports whether expected is the checksum of data.
func Verify(data []byte, expected uint16) bool {
	return Checksum16(data) == expected
}
