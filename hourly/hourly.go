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

// Package hourly accumulates per-meter hourly readings indexed by the meters'
// 16-bit hour counter.
package hourly

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bemasher/rtlelster/parse"
)

const (
	Slots = 1 << 16

	// Modular distances below this are forward in time.
	horizon = Slots >> 1

	noData = -1
)

// Reading is one hour's consumption in hundredths of a kWh.
type Reading struct {
	Hour  uint16
	Value uint16
	Valid bool
}

func (r Reading) KWh() float64 {
	return float64(r.Value) / 100
}

func (r Reading) String() string {
	if !r.Valid {
		return "?"
	}
	return fmt.Sprintf("%.2f", r.KWh())
}

// Log is a single meter's readings. First and Last bound the covered hours
// and only ever move outward.
type Log struct {
	First uint16
	Last  uint16

	slots []int32
}

func newLog(first, last uint16) *Log {
	l := &Log{First: first, Last: last, slots: make([]int32, Slots)}
	for idx := range l.slots {
		l.slots[idx] = noData
	}
	return l
}

// Len is the number of hours from First to Last inclusive.
func (l *Log) Len() int {
	return int(l.Last-l.First) + 1
}

func (l *Log) record(first, last uint16, readings []uint16) {
	if d := l.First - first; d > 0 && d < horizon {
		l.First = first
	}
	if d := last - l.Last; d < horizon {
		l.Last = last
	}

	for idx, v := range readings {
		l.slots[first+uint16(idx)] = int32(v)
	}
}

// Readings returns the slots from First to Last, wrapping past 65535.
func (l *Log) Readings() []Reading {
	readings := make([]Reading, l.Len())
	for idx := range readings {
		hour := l.First + uint16(idx)
		readings[idx].Hour = hour
		if v := l.slots[hour]; v != noData {
			readings[idx].Value = uint16(v)
			readings[idx].Valid = true
		}
	}
	return readings
}

// Store holds a Log per meter. It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	logs map[parse.MeterID]*Log
}

func NewStore() *Store {
	return &Store{logs: make(map[parse.MeterID]*Log)}
}

// Record stores readings for the hours ending at lastHour, oldest first.
// Newer readings overwrite older ones for the same hour.
func (s *Store) Record(meter parse.MeterID, lastHour uint16, readings []uint16) {
	if len(readings) == 0 {
		return
	}
	firstHour := lastHour - uint16(len(readings)) + 1

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[meter]
	if !ok {
		l = newLog(firstHour, lastHour)
		s.logs[meter] = l
	}
	l.record(firstHour, lastHour, readings)
}

// Query returns the meter's readings from its first to last hour.
func (s *Store) Query(meter parse.MeterID) ([]Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[meter]
	if !ok {
		return nil, false
	}
	return l.Readings(), true
}

// Bounds returns the meter's first and last hour.
func (s *Store) Bounds(meter parse.MeterID) (first, last uint16, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.logs[meter]
	if !ok {
		return 0, 0, false
	}
	return l.First, l.Last, true
}

// Meters returns every meter with readings in ascending order.
func (s *Store) Meters() []parse.MeterID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meters := make([]parse.MeterID, 0, len(s.logs))
	for meter := range s.logs {
		meters = append(meters, meter)
	}
	sort.Slice(meters, func(i, j int) bool { return meters[i] < meters[j] })

	return meters
}

// Format renders readings as kWh, "?" marking hours without data.
func Format(readings []Reading) string {
	fields := make([]string, len(readings))
	for idx, r := range readings {
		fields[idx] = fmt.Sprintf("%5s", r)
	}
	return strings.Join(fields, " ")
}
