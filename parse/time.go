package parse

import (
	"fmt"
	"time"
)

// TimeOfDay counts 1/128 s ticks since midnight, packed big endian in 24
// bits on air.
type TimeOfDay uint32

const ticksPerSecond = 128

func ParseTimeOfDay(b []byte) TimeOfDay {
	return TimeOfDay(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

func NewTimeOfDay(d time.Duration) TimeOfDay {
	return TimeOfDay(d*ticksPerSecond/time.Second) & 0xFFFFFF
}

func (t TimeOfDay) Bytes() [3]byte {
	return [3]byte{byte(t >> 16), byte(t >> 8), byte(t)}
}

func (t TimeOfDay) Hours() int {
	return int(t) / (ticksPerSecond * 3600)
}

func (t TimeOfDay) Minutes() int {
	return int(t) % (ticksPerSecond * 3600) / (ticksPerSecond * 60)
}

func (t TimeOfDay) Seconds() float64 {
	return float64(int(t)%(ticksPerSecond*60)) / ticksPerSecond
}

func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t) * time.Second / ticksPerSecond
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%06.3f", t.Hours(), t.Minutes(), t.Seconds())
}

// Date packs a day offset from January 1st in the low 9 bits and the year
// offset from 2000 in the bits above.
type Date uint16

func ParseDate(b []byte) Date {
	return Date(uint16(b[0])<<8 | uint16(b[1]))
}

func NewDate(t time.Time) Date {
	return Date((t.Year()-2000)<<9 | (t.YearDay()-1)&0x1FF)
}

func (d Date) Year() int {
	return 2000 + int(d>>9)
}

func (d Date) Day() int {
	return int(d & 0x1FF)
}

func (d Date) Time() time.Time {
	return time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d.Day())
}

func (d Date) String() string {
	return d.Time().Format("2006-01-02")
}
