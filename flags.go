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

package main

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/bemasher/rtlelster/csv"
	"github.com/bemasher/rtlelster/parse"
)

// JSON, XML, YAML and CBOR all implement this interface so we can simplify
// log output formatting.
type Encoder interface {
	Encode(interface{}) error
}

// NewEncoder returns the encoder for format writing to w and, for formats
// that buffer, a closer flushing them.
func NewEncoder(format string, w io.Writer, multiChannel bool) (Encoder, io.Closer, error) {
	switch strings.ToLower(format) {
	case "plain", "":
		return PlainEncoder{w, multiChannel}, nil, nil
	case "csv":
		return csv.NewEncoder(w), nil, nil
	case "json":
		return json.NewEncoder(w), nil, nil
	case "xml":
		return LineEncoder{xml.NewEncoder(w), w}, nil, nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		return enc, enc, nil
	case "cbor":
		return cbor.NewEncoder(w), nil, nil
	}
	return nil, nil, errors.Errorf("invalid format: %q", format)
}

// LineEncoder terminates each encoded element with a newline.
type LineEncoder struct {
	Encoder
	w io.Writer
}

func (le LineEncoder) Encode(v interface{}) error {
	if err := le.Encoder.Encode(v); err != nil {
		return err
	}
	_, err := io.WriteString(le.w, "\n")
	return err
}

type PlainEncoder struct {
	w            io.Writer
	multiChannel bool
}

func (pe PlainEncoder) Encode(msg interface{}) (err error) {
	if m, ok := msg.(parse.LogMessage); ok && !pe.multiChannel {
		_, err = fmt.Fprintln(pe.w, m.StringNoChannel())
	} else {
		_, err = fmt.Fprintln(pe.w, msg)
	}
	return
}

type MeterIDFilter map[parse.MeterID]bool

func NewMeterIDFilter(ids []string) (MeterIDFilter, error) {
	filter := make(MeterIDFilter)
	for _, list := range ids {
		for _, s := range strings.Split(list, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			id, err := parse.ParseMeterID(s)
			if err != nil {
				return nil, err
			}
			filter[id] = true
		}
	}
	return filter, nil
}

func (m MeterIDFilter) Filter(msg parse.Message) bool {
	h := msg.Common()
	return m[h.Src] || m[h.Dst]
}

type KindFilter map[parse.Kind]bool

func NewKindFilter(names []string) (KindFilter, error) {
	filter := make(KindFilter)
	for _, list := range names {
		for _, s := range strings.Split(list, ",") {
			if s = strings.TrimSpace(s); s == "" {
				continue
			}
			k, err := parse.ParseKind(s)
			if err != nil {
				return nil, err
			}
			filter[k] = true
		}
	}
	return filter, nil
}

func (k KindFilter) Filter(msg parse.Message) bool {
	return k[msg.Kind()]
}

// UniqueFilter suppresses a frame identical to the previous one from the
// same meter.
type UniqueFilter map[parse.MeterID]string

func NewUniqueFilter() UniqueFilter {
	return make(UniqueFilter)
}

func (uf UniqueFilter) Filter(msg parse.Message) bool {
	digest := strings.Join(msg.Record(), ",")
	mid := msg.MeterID()

	if val, ok := uf[mid]; ok && val == digest {
		return false
	}

	uf[mid] = digest
	return true
}

// NewFilterChain builds the output filters selected by cfg.
func NewFilterChain(cfg Config) (fc parse.FilterChain, err error) {
	ids, err := NewMeterIDFilter(cfg.FilterID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		fc.Add(ids)
	}

	kinds, err := NewKindFilter(cfg.MsgType)
	if err != nil {
		return nil, err
	}
	if len(kinds) > 0 {
		fc.Add(kinds)
	}

	if cfg.Unique {
		fc.Add(NewUniqueFilter())
	}

	return fc, nil
}
