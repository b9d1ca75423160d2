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
	"bytes"
	"time"

	log "github.com/sirupsen/logrus"
)

type State int

const (
	Searching State = iota
	ReadingLength
	CollectingBody
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case ReadingLength:
		return "reading-length"
	case CollectingBody:
		return "collecting-body"
	}
	return "unknown"
}

// Framer recovers candidate frames from the line bits of a single channel.
// It is not safe for concurrent use; run one Framer per channel.
type Framer struct {
	Channel int

	protocols []LineProtocol
	minWindow int
	maxSync   int

	// Line bits not yet consumed, one bit per byte. offset is the absolute
	// index of buf[0] in the channel's stream.
	buf    []byte
	offset int64

	state      State
	proto      *LineProtocol
	syncOffset int64
	header     []byte
	remaining  int

	stats *Stats
}

// NewFramer returns a framer for the given channel. Stats may be shared
// between framers.
func NewFramer(channel int, protocols []LineProtocol, stats *Stats) *Framer {
	if stats == nil {
		stats = new(Stats)
	}

	f := &Framer{
		Channel:   channel,
		protocols: make([]LineProtocol, len(protocols)),
		stats:     stats,
	}

	copy(f.protocols, protocols)
	for idx := range f.protocols {
		p := &f.protocols[idx]
		p.sync = p.Sync()

		if len(p.sync) > f.maxSync {
			f.maxSync = len(p.sync)
		}
		if w := p.Window(); w > f.minWindow {
			f.minWindow = w
		}
	}

	return f
}

func (f *Framer) State() State {
	return f.state
}

// Buffered is the number of line bits waiting for processing.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Feed appends line bits to the channel's buffer and returns every candidate
// frame completed by them. Candidates are stamped with t.
func (f *Framer) Feed(bits []byte, t time.Time) (candidates []Candidate) {
	for _, bit := range bits {
		f.buf = append(f.buf, bit&1)
	}

	for {
		var progress bool
		switch f.state {
		case Searching:
			progress = f.search()
		case ReadingLength:
			progress = f.readLength()
		case CollectingBody:
			var c *Candidate
			c, progress = f.collect(t)
			if c != nil {
				candidates = append(candidates, *c)
			}
		}

		if !progress {
			return
		}
	}
}

func (f *Framer) consume(n int) {
	f.buf = f.buf[:copy(f.buf, f.buf[n:])]
	f.offset += int64(n)
}

func (f *Framer) reset() {
	f.state = Searching
	f.proto = nil
	f.header = nil
	f.remaining = 0
}

// Locate the earliest sync word of any protocol. Nothing is scanned until at
// least one minimal frame's worth of line bits is buffered.
func (f *Framer) search() bool {
	if len(f.buf) < f.minWindow {
		return false
	}

	best := -1
	var proto *LineProtocol
	for idx := range f.protocols {
		p := &f.protocols[idx]
		if sIdx := bytes.Index(f.buf, p.sync); sIdx != -1 && (best == -1 || sIdx < best) {
			best, proto = sIdx, p
		}
	}

	// Keep only the tail that may still hold the start of a sync word.
	if best == -1 {
		f.consume(len(f.buf) - (f.maxSync - 1))
		return false
	}

	f.syncOffset = f.offset + int64(best)
	f.consume(best + len(proto.sync))
	f.proto = proto
	f.state = ReadingLength
	f.stats.Syncs.Inc()

	return true
}

func (f *Framer) readLength() bool {
	p := f.proto
	need := p.LengthBytes * 8 * p.Code.BitsPerDataBit()
	if len(f.buf) < need {
		return false
	}

	field, err := p.Code.Decode(f.buf[:need], p.Whitening)
	f.consume(need)
	if err != nil {
		f.stats.Collisions.Inc()
		f.logger().WithField("offset", f.syncOffset).Debug("collision in length field")
		f.reset()
		return true
	}

	length := 0
	for _, b := range field {
		length = length<<8 | int(b)
	}

	overhead := p.lengthOverhead()
	if length < overhead || length > p.MaxLength {
		f.stats.LengthMismatches.Inc()
		f.logger().WithFields(log.Fields{"offset": f.syncOffset, "length": length}).Debug("invalid packet length")
		f.reset()
		return true
	}

	if p.LengthInFrame {
		f.header = field
	}
	f.remaining = length - overhead + 2
	f.state = CollectingBody

	return true
}

func (f *Framer) collect(t time.Time) (*Candidate, bool) {
	p := f.proto
	need := f.remaining * 8 * p.Code.BitsPerDataBit()
	if len(f.buf) < need {
		return nil, false
	}

	body, err := p.Code.Decode(f.buf[:need], p.Whitening)
	f.consume(need)

	header := f.header
	f.reset()

	if err != nil {
		f.stats.Collisions.Inc()
		f.logger().WithField("offset", f.syncOffset).Debug("collision in packet body")
		return nil, true
	}

	raw := make([]byte, 0, len(header)+len(body))
	raw = append(raw, header...)
	raw = append(raw, body...)

	f.stats.Candidates.Inc()

	return &Candidate{
		Channel:  f.Channel,
		Time:     t,
		Protocol: p.Code,
		Offset:   f.syncOffset,
		Bytes:    raw,
	}, true
}

func (f *Framer) logger() *log.Entry {
	entry := log.WithField("channel", f.Channel)
	if f.proto != nil {
		entry = entry.WithField("protocol", f.proto.Code)
	}
	return entry
}
