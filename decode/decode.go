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
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/bemasher/rtlelster/crc"
)

var ErrChecksum = errors.New("checksum mismatch")

// Candidate is a length-delimited frame that has not been validated yet.
// Bytes includes the two trailing checksum bytes.
type Candidate struct {
	Channel  int
	Time     time.Time
	Protocol LineCode
	Offset   int64
	Bytes    []byte
}

// Frame is a candidate whose checksum matched. Bytes excludes the checksum.
type Frame struct {
	Channel  int
	Time     time.Time
	Protocol LineCode
	Offset   int64
	Bytes    []byte
	Checksum uint16
}

func (f Frame) String() string {
	return fmt.Sprintf("{Channel:%d Protocol:%s Offset:%d Bytes:%02X Checksum:0x%04X}",
		f.Channel, f.Protocol, f.Offset, f.Bytes, f.Checksum,
	)
}

var x25 = crc.NewX25()

// Validate checks the candidate's trailing checksum.
func Validate(c Candidate) (Frame, error) {
	if !x25.Valid(c.Bytes) {
		return Frame{}, ErrChecksum
	}

	n := len(c.Bytes) - 2
	frame := Frame{
		Channel:  c.Channel,
		Time:     c.Time,
		Protocol: c.Protocol,
		Offset:   c.Offset,
		Bytes:    make([]byte, n),
		Checksum: uint16(c.Bytes[n]) | uint16(c.Bytes[n+1])<<8,
	}
	copy(frame.Bytes, c.Bytes[:n])

	return frame, nil
}

// Stats accumulates framing diagnostics. Counters may be updated from
// several channels at once.
type Stats struct {
	Syncs            atomic.Uint64
	Candidates       atomic.Uint64
	Collisions       atomic.Uint64
	LengthMismatches atomic.Uint64
	ChecksumFailures atomic.Uint64
	Frames           atomic.Uint64
}

func (s *Stats) Log() {
	log.WithFields(log.Fields{
		"syncs":      s.Syncs.Load(),
		"candidates": s.Candidates.Load(),
		"collisions": s.Collisions.Load(),
		"length":     s.LengthMismatches.Load(),
		"checksum":   s.ChecksumFailures.Load(),
		"frames":     s.Frames.Load(),
	}).Info("framing statistics")
}

// Config specifies how line bits are read from each channel.
type Config struct {
	// Line bits read per block.
	BlockSize int
	// Input packs eight line bits per byte, MSB first.
	Packed bool

	Protocols []LineProtocol

	// Stamps each block as it arrives, defaults to time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		BlockSize: 4096,
		Protocols: DefaultProtocols(),
		Now:       time.Now,
	}
}

// Decoder runs one framer per channel and validates their candidates.
type Decoder struct {
	Cfg   Config
	Stats Stats
}

func NewDecoder(cfg Config) *Decoder {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultConfig().BlockSize
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = DefaultProtocols()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Decoder{Cfg: cfg}
}

func (d *Decoder) Log() {
	log.Println("BlockSize:", d.Cfg.BlockSize)
	log.Println("Packed:", d.Cfg.Packed)
	for _, p := range d.Cfg.Protocols {
		log.Printf("Protocol: %s Preamble:%d Length:%d Whitening:0x%02X MaxLength:%d\n",
			p.Code, len(p.Preamble), p.LengthBytes, p.Whitening, p.MaxLength,
		)
	}
}

// Run reads each source as an independent channel, indexed by position, and
// returns validated frames on the returned channel. The channel is closed
// when every source is exhausted or ctx is done.
func (d *Decoder) Run(ctx context.Context, sources []io.Reader) <-chan Frame {
	frameCh := make(chan Frame)

	var wg conc.WaitGroup
	for channel, src := range sources {
		channel, src := channel, src
		wg.Go(func() {
			if err := d.channel(ctx, channel, src, frameCh); err != nil {
				log.WithField("channel", channel).Errorf("%+v", err)
			}
		})
	}

	go func() {
		wg.Wait()
		close(frameCh)
	}()

	return frameCh
}

func (d *Decoder) channel(ctx context.Context, channel int, src io.Reader, frameCh chan<- Frame) error {
	framer := NewFramer(channel, d.Cfg.Protocols, &d.Stats)

	blockSize := d.Cfg.BlockSize
	if d.Cfg.Packed {
		blockSize = (blockSize + 7) >> 3
	}
	block := make([]byte, blockSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := io.ReadFull(src, block)
		if n > 0 {
			bits := block[:n]
			if d.Cfg.Packed {
				bits = Unpack(bits)
			}

			for _, c := range framer.Feed(bits, d.Cfg.Now()) {
				frame, vErr := Validate(c)
				if vErr != nil {
					d.Stats.ChecksumFailures.Inc()
					log.WithFields(log.Fields{"channel": channel, "offset": c.Offset}).Debug(vErr)
					continue
				}
				d.Stats.Frames.Inc()

				select {
				case frameCh <- frame:
				case <-ctx.Done():
					return nil
				}
			}
		}

		// End of input drops any frame still in progress.
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if framer.State() != Searching {
				log.WithField("channel", channel).Debugf("input ended while %s", framer.State())
			}
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "channel %d", channel)
		}
	}
}
