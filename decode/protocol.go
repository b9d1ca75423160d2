// RTLELSTER - A receiver for Elster EnergyAxis mesh meters operating in the 900MHz ISM band.
// Copyright (C) 2015 Douglas Hall
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package decode

import (
	"strings"

	"github.com/pkg/errors"
)

// SyncWord is the start of frame delimiter following the preamble.
const SyncWord = 0x0CBD

var ErrCollision = errors.New("manchester collision")

// LineCode selects the physical representation of data bits.
type LineCode int

const (
	// Manchester sends each data bit as a pair of line bits: 1 is 10, 0 is 01.
	Manchester LineCode = iota
	// Direct sends each data bit as a single inverted line bit.
	Direct
)

func (lc LineCode) String() string {
	switch lc {
	case Manchester:
		return "manchester"
	case Direct:
		return "direct"
	}
	return "unknown"
}

// BitsPerDataBit is the number of line bits carrying one data bit.
func (lc LineCode) BitsPerDataBit() int {
	if lc == Manchester {
		return 2
	}
	return 1
}

// Encode converts data bits (one per byte) to line bits.
func (lc LineCode) Encode(bits []byte) (line []byte) {
	line = make([]byte, 0, len(bits)*lc.BitsPerDataBit())
	for _, bit := range bits {
		bit &= 1
		switch lc {
		case Manchester:
			line = append(line, bit, bit^1)
		case Direct:
			line = append(line, bit^1)
		}
	}
	return
}

// Decode converts line bits to bytes, removing the whitening mask. Any
// Manchester pair of identical line bits invalidates the whole span.
func (lc LineCode) Decode(line []byte, whitening byte) ([]byte, error) {
	bpd := lc.BitsPerDataBit()
	out := make([]byte, len(line)/(bpd<<3))

	idx := 0
	for bIdx := range out {
		var b byte
		for bit := 0; bit < 8; bit++ {
			v := line[idx]
			if lc == Manchester {
				if v == line[idx+1] {
					return nil, ErrCollision
				}
			} else {
				v ^= 1
			}
			b = b<<1 | v
			idx += bpd
		}
		out[bIdx] = b ^ whitening
	}

	return out, nil
}

// LineProtocol describes one framing variant: how it is recognized, how its
// length field is read and how the payload is scrambled.
type LineProtocol struct {
	Code LineCode

	// Preamble in line bits, ascii 0's and 1's.
	Preamble string

	// Width of the length field in bytes. When LengthInFrame is set the field
	// is the first byte(s) of the frame and counts itself.
	LengthBytes   int
	LengthInFrame bool

	Whitening byte

	// Largest declared length accepted, in bytes excluding checksum.
	MaxLength int

	sync []byte
}

// DefaultProtocols are the two variants observed on air.
func DefaultProtocols() []LineProtocol {
	return []LineProtocol{
		{
			Code:          Manchester,
			Preamble:      strings.Repeat("10", 32),
			LengthBytes:   1,
			LengthInFrame: true,
			Whitening:     0x55,
			MaxLength:     70,
		},
		{
			Code:        Direct,
			Preamble:    strings.Repeat("10", 16),
			LengthBytes: 2,
			Whitening:   0xAA,
			MaxLength:   1024,
		},
	}
}

// Sync returns preamble and line coded sync word, one line bit per byte.
func (p LineProtocol) Sync() []byte {
	if p.sync != nil {
		return p.sync
	}

	sync := make([]byte, 0, len(p.Preamble)+16*p.Code.BitsPerDataBit())
	for _, bit := range p.Preamble {
		if bit == '1' {
			sync = append(sync, 1)
		} else {
			sync = append(sync, 0)
		}
	}

	return append(sync, p.Code.Encode(Unpack([]byte{SyncWord >> 8, SyncWord & 0xFF}))...)
}

// lengthOverhead is the number of declared bytes taken by the length field.
func (p LineProtocol) lengthOverhead() int {
	if p.LengthInFrame {
		return p.LengthBytes
	}
	return 0
}

// Window is the fewest line bits that can hold a sync, length field and
// checksum.
func (p LineProtocol) Window() int {
	return len(p.Sync()) + (p.LengthBytes+2)*8*p.Code.BitsPerDataBit()
}

// Unpack expands MSB-first packed bytes to one bit per byte.
func Unpack(data []byte) []byte {
	bits := make([]byte, len(data)<<3)

	for idx, b := range data {
		offset := idx << 3
		for bit := 7; bit >= 0; bit-- {
			bits[offset+(7-bit)] = (b >> uint8(bit)) & 0x01
		}
	}

	return bits
}
