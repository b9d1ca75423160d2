package gen

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/bemasher/rtlelster/crc"
	"github.com/bemasher/rtlelster/decode"
	"github.com/bemasher/rtlelster/parse"
)

var x25 = crc.NewX25()

// NewRandFrame returns a random frame of the given size whose leading length
// byte is consistent with it.
func NewRandFrame(size int) (frame []byte, err error) {
	if size < 1 || size > 0xFF {
		return nil, fmt.Errorf("invalid frame size: %d", size)
	}

	frame = make([]byte, size)
	_, err = rand.Read(frame)
	if err != nil {
		return nil, err
	}
	frame[0] = byte(size)

	return
}

type ManchesterLUT [16]byte

func NewManchesterLUT() ManchesterLUT {
	return ManchesterLUT{
		85, 86, 89, 90, 101, 102, 105, 106, 149, 150, 153, 154, 165, 166, 169, 170,
	}
}

func (lut ManchesterLUT) Encode(data []byte) (manchester []byte) {
	manchester = make([]byte, len(data)<<1)

	for idx := range data {
		manchester[idx<<1] = lut[data[idx]>>4]
		manchester[idx<<1+1] = lut[data[idx]&0x0F]
	}

	return
}

// Encode returns the line bits, one per byte, transmitting frame under the
// given protocol: preamble, sync word, length field, whitened frame and
// checksum. Frames carrying their own length must have it set already.
func Encode(p decode.LineProtocol, frame []byte) []byte {
	var data []byte
	if !p.LengthInFrame {
		length := make([]byte, p.LengthBytes)
		n := len(frame)
		for idx := len(length) - 1; idx >= 0; idx-- {
			length[idx] = byte(n)
			n >>= 8
		}
		data = append(data, length...)
	}
	data = append(data, x25.Append(frame)...)

	for idx := range data {
		data[idx] ^= p.Whitening
	}

	line := append([]byte(nil), p.Sync()...)
	switch p.Code {
	case decode.Manchester:
		return append(line, decode.Unpack(NewManchesterLUT().Encode(data))...)
	default:
		return append(line, p.Code.Encode(decode.Unpack(data))...)
	}
}

// Stream encodes each frame and separates them with gap idle line bits. The
// stream ends with enough idle bits to flush any framer.
func Stream(p decode.LineProtocol, gap int, frames ...[]byte) (bits []byte) {
	idle := make([]byte, gap)
	for _, frame := range frames {
		bits = append(bits, idle...)
		bits = append(bits, Encode(p, frame)...)
	}

	tail := gap
	for _, proto := range decode.DefaultProtocols() {
		if w := proto.Window(); w > tail {
			tail = w
		}
	}

	return append(bits, make([]byte, tail)...)
}

func header(length int, src, dst parse.MeterID, stamp [3]byte) []byte {
	frame := make([]byte, length)
	frame[0] = byte(length)
	binary.BigEndian.PutUint32(frame[2:6], uint32(src))
	binary.BigEndian.PutUint32(frame[6:10], uint32(dst))
	copy(frame[13:16], stamp[:])
	return frame
}

// Hourly builds a meter's hourly usage report ending at lastHour.
func Hourly(meter, coordinator parse.MeterID, counter uint8, lastHour uint16, readings []uint16) []byte {
	frame := header(27+2*len(readings), meter, coordinator, [3]byte{})

	frame[16] = byte(len(frame) - 17)
	frame[18] = parse.CmdHourly
	frame[19] = counter
	binary.BigEndian.PutUint16(frame[22:24], lastHour+1)
	binary.BigEndian.PutUint16(frame[24:26], lastHour)
	frame[26] = byte(len(readings))

	for idx, v := range readings {
		binary.BigEndian.PutUint16(frame[27+idx*2:], v)
	}

	return frame
}

// PathBuilding builds a gatekeeper's advertisement of node's parent and
// level. A non-nil date is appended as a trailing date stamp.
func PathBuilding(gatekeeper, node, parent parse.MeterID, level uint8, tod parse.TimeOfDay, date *parse.Date) []byte {
	length := 58
	if date != nil {
		length = 61
	}

	frame := header(length, gatekeeper, node, tod.Bytes())
	frame[24] = 0x40
	frame[28] = byte(length - 29)
	frame[30] = parse.CmdPath
	frame[35] = byte(node)
	frame[36] = byte(parent)
	binary.BigEndian.PutUint32(frame[37:41], uint32(parent))
	frame[44] = level

	if date != nil {
		binary.BigEndian.PutUint16(frame[59:61], uint16(*date))
	}

	return frame
}

// UsageRequest builds a coordinator's request for readings since firstHour.
func UsageRequest(coordinator, meter parse.MeterID, firstHour uint16, tod parse.TimeOfDay) []byte {
	frame := header(35, coordinator, meter, tod.Bytes())
	frame[24] = 0x40
	frame[28] = 0x06
	frame[30] = parse.CmdHourly
	binary.BigEndian.PutUint16(frame[33:35], firstHour)
	return frame
}

// BroadcastDate builds a flood broadcast distributing date.
func BroadcastDate(src parse.MeterID, hop uint8, date parse.Date, tod parse.TimeOfDay) []byte {
	frame := header(35, src, 0, tod.Bytes())
	frame[18] = hop
	binary.BigEndian.PutUint32(frame[20:24], uint32(src))
	frame[28] = 0x06
	binary.BigEndian.PutUint16(frame[33:35], uint16(date))
	return frame
}

// PackBits is the inverse of decode.Unpack, a trailing partial byte is padded
// with zeros.
func PackBits(bits []byte) []byte {
	data := make([]byte, (len(bits)+7)>>3)

	for idx, bit := range bits {
		data[idx>>3] |= (bit & 0x01) << uint8(7-idx&7)
	}

	return data
}
