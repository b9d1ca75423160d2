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

// Package session folds dissected frames into the mesh topology and the
// hourly readings of a single decoding run.
package session

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/bemasher/rtlelster/capture"
	"github.com/bemasher/rtlelster/decode"
	"github.com/bemasher/rtlelster/hourly"
	"github.com/bemasher/rtlelster/mesh"
	"github.com/bemasher/rtlelster/parse"
)

type Stats struct {
	Frames    atomic.Uint64
	Hourly    atomic.Uint64
	Paths     atomic.Uint64
	Unknown   atomic.Uint64
	Anomalous atomic.Uint64
	Truncated atomic.Uint64
	Checksum  atomic.Uint64
}

// Session owns the tables accumulated during one run.
type Session struct {
	Mesh   *mesh.Tracker
	Hourly *hourly.Store
	Stats  Stats
}

func New() *Session {
	return &Session{
		Mesh:   mesh.NewTracker(),
		Hourly: hourly.NewStore(),
	}
}

// Handler receives every dissected frame after it has been observed. A
// non-nil error stops the run.
type Handler func(parse.LogMessage) error

// Observe folds one dissected frame into the session.
func (s *Session) Observe(msg parse.Message) {
	s.Stats.Frames.Inc()

	switch m := msg.(type) {
	case parse.HourlyUsage:
		s.Stats.Hourly.Inc()
		s.Hourly.Record(m.MeterID(), m.ReadingsEnd(), m.Readings)
	case parse.PathBuilding:
		s.Stats.Paths.Inc()
		s.Mesh.Observe(m)
	case parse.Unknown:
		s.Stats.Unknown.Inc()
		if m.Anomalous {
			s.Stats.Anomalous.Inc()
			log.WithField("meter", m.MeterID()).Debugf("anomalous payload length: %s", m.Payload)
		}
		if m.Truncated {
			s.Stats.Truncated.Inc()
		}
	case parse.BroadcastRaw:
		if m.Truncated {
			s.Stats.Truncated.Inc()
		}
	}
}

// ReadCapture dissects every record of a capture file. Records failing an
// included checksum are counted and skipped.
func (s *Session) ReadCapture(ctx context.Context, r *capture.Reader, channel int, handle Handler) error {
	src := r.PacketSource()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		packet, err := src.NextPacket()
		if err == io.EOF {
			return nil
		}
		if err == capture.ErrChecksum {
			s.Stats.Checksum.Inc()
			continue
		}
		if err != nil {
			return errors.Wrap(err, "read capture")
		}

		layer, ok := packet.Layer(parse.LayerTypeElster).(*parse.Layer)
		if !ok {
			continue
		}

		s.Observe(layer.Message)
		if handle != nil {
			if err := handle(parse.NewLogMessage(packet.Metadata().Timestamp, channel, layer.Message)); err != nil {
				return err
			}
		}
	}
}

// Consume dissects validated frames until frames is closed, appending each
// to w first when w is non-nil. On error the caller must cancel the
// producer's context.
func (s *Session) Consume(frames <-chan decode.Frame, w *capture.Writer, handle Handler) error {
	for f := range frames {
		if w != nil {
			if err := w.Append(f, f.Time); err != nil {
				return err
			}
		}

		msg := parse.Dissect(f.Bytes)
		s.Observe(msg)
		if handle != nil {
			if err := handle(parse.NewLogMessage(f.Time, f.Channel, msg)); err != nil {
				return err
			}
		}
	}

	return nil
}

// Report writes every meter's readings from its first to last hour.
func (s *Session) Report(w io.Writer) error {
	for _, meter := range s.Hourly.Meters() {
		readings, _ := s.Hourly.Query(meter)
		first, last, _ := s.Hourly.Bounds(meter)

		_, err := fmt.Fprintf(w, "Readings for LAN ID %s (%05d-%05d): %s\n", meter, first, last, hourly.Format(readings))
		if err != nil {
			return errors.Wrap(err, "write report")
		}
	}
	return nil
}

func (s *Session) Log() {
	log.WithFields(log.Fields{
		"frames":    s.Stats.Frames.Load(),
		"hourly":    s.Stats.Hourly.Load(),
		"paths":     s.Stats.Paths.Load(),
		"unknown":   s.Stats.Unknown.Load(),
		"anomalous": s.Stats.Anomalous.Load(),
		"truncated": s.Stats.Truncated.Load(),
		"checksum":  s.Stats.Checksum.Load(),
		"meters":    len(s.Hourly.Meters()),
		"nodes":     s.Mesh.Len(),
	}).Info("session statistics")
}
