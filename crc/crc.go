package crc

import "fmt"

// CRC describes a reflected (LSB-first) 16-bit cyclic redundancy check.
type CRC struct {
	Name   string
	Init   uint16
	Poly   uint16
	XorOut uint16

	tbl Table
}

func NewCRC(name string, init, poly, xorOut uint16) (crc CRC) {
	crc.Name = name
	crc.Init = init
	crc.Poly = poly
	crc.XorOut = xorOut
	crc.tbl = NewTable(crc.Poly)

	return
}

// NewX25 returns CRC-16/X-25: init 0xFFFF, reflected poly 0x8408, final
// complement.
func NewX25() CRC {
	return NewCRC("X25", 0xFFFF, 0x8408, 0xFFFF)
}

func (crc CRC) String() string {
	return fmt.Sprintf("{Name:%s Init:0x%04X Poly:0x%04X XorOut:0x%04X}", crc.Name, crc.Init, crc.Poly, crc.XorOut)
}

func (crc CRC) Checksum(data []byte) uint16 {
	return Checksum(crc.Init, data, crc.tbl) ^ crc.XorOut
}

// Valid reports whether the trailing two bytes of frame hold the checksum
// of the preceding bytes, low byte first.
func (crc CRC) Valid(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}

	n := len(frame) - 2
	checksum := crc.Checksum(frame[:n])

	return frame[n] == byte(checksum) && frame[n+1] == byte(checksum>>8)
}

// Append returns msg followed by its checksum, low byte first.
func (crc CRC) Append(msg []byte) []byte {
	checksum := crc.Checksum(msg)

	out := make([]byte, len(msg), len(msg)+2)
	copy(out, msg)

	return append(out, byte(checksum), byte(checksum>>8))
}

type Table [256]uint16

// NewTable builds the lookup table for a reflected polynomial. Each entry is
// the register after shifting eight message bits out of the low end.
func NewTable(poly uint16) (table Table) {
	for tIdx := range table {
		crc := uint16(tIdx)
		for bIdx := 0; bIdx < 8; bIdx++ {
			if crc&0x0001 != 0 {
				crc = crc>>1 ^ poly
			} else {
				crc = crc >> 1
			}
		}
		table[tIdx] = crc
	}
	return table
}

func Checksum(init uint16, data []byte, table Table) (crc uint16) {
	crc = init
	for _, v := range data {
		crc = crc>>8 ^ table[byte(crc)^v]
	}
	return
}
