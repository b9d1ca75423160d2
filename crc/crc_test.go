package crc

import (
	"testing"
	"testing/quick"
	"time"

	crand "crypto/rand"
	mrand "math/rand"

	"github.com/stretchr/testify/assert"
)

const (
	Trials = 512
)

// bitwise is the register-at-a-time definition of X25 the table must match.
func bitwise(message []byte) uint16 {
	reg := uint16(0xFFFF)
	for _, b := range message {
		for mask := 0x01; mask < 0x100; mask <<= 1 {
			lowbit := reg & 1
			reg >>= 1
			if int(b)&mask != 0 {
				lowbit ^= 1
			}
			if lowbit != 0 {
				reg ^= 0x8408
			}
		}
	}
	return reg ^ 0xFFFF
}

func TestCheckValue(t *testing.T) {
	x25 := NewX25()
	assert.Equal(t, uint16(0x906E), x25.Checksum([]byte("123456789")))
}

func TestTableMatchesBitwise(t *testing.T) {
	x25 := NewX25()

	f := func(msg []byte) bool {
		return x25.Checksum(msg) == bitwise(msg)
	}

	if err := quick.Check(f, nil); err != nil {
		t.Fatalf("%+v\n", err)
	}
}

func TestIdentity(t *testing.T) {
	x25 := NewX25()
	t.Logf("%+v\n", x25)

	for trial := 0; trial < Trials; trial++ {
		buf := make([]byte, mrand.Intn(64)+1)
		crand.Read(buf)

		frame := x25.Append(buf)
		if !x25.Valid(frame) {
			t.Fatalf("%s failed: %02X\n", x25.Name, frame)
		}

		// Low byte first.
		checksum := x25.Checksum(buf)
		assert.Equal(t, byte(checksum), frame[len(buf)])
		assert.Equal(t, byte(checksum>>8), frame[len(buf)+1])
	}
}

func TestSingleBitError(t *testing.T) {
	x25 := NewX25()

	for trial := 0; trial < Trials>>3; trial++ {
		buf := make([]byte, mrand.Intn(32)+1)
		crand.Read(buf)

		frame := x25.Append(buf)
		for bit := 0; bit < len(frame)<<3; bit++ {
			corrupt := make([]byte, len(frame))
			copy(corrupt, frame)
			corrupt[bit>>3] ^= 1 << uint(bit&7)

			if x25.Valid(corrupt) {
				t.Fatalf("bit %d flip undetected: %02X\n", bit, corrupt)
			}
		}
	}
}

func TestShortFrame(t *testing.T) {
	x25 := NewX25()
	assert.False(t, x25.Valid(nil))
	assert.False(t, x25.Valid([]byte{0x00}))
}

func init() {
	mrand.Seed(time.Now().UnixNano())
}
