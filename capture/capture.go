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

// Package capture reads and writes frames in pcap capture files.
//
// Each record holds one frame without its trailing checksum. Files are
// tagged with link type DLT_USER0.
package capture

import (
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/bemasher/rtlelster/crc"
	"github.com/bemasher/rtlelster/decode"
	"github.com/bemasher/rtlelster/parse"
)

// SnapLen bounds the record size, comfortably above any declared frame
// length.
const SnapLen = 4096

var ErrChecksum = errors.New("record checksum mismatch")

var x25 = crc.NewX25()

// Writer appends frames to a capture file. Only one Writer may write to a
// file.
type Writer struct {
	w *pcapgo.Writer
}

// NewWriter writes the file header.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, parse.LinkType); err != nil {
		return nil, errors.Wrap(err, "write capture header")
	}
	return &Writer{w: pw}, nil
}

// Append writes one record, stamped with t.
func (w *Writer) Append(frame decode.Frame, t time.Time) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     t,
		CaptureLength: len(frame.Bytes),
		Length:        len(frame.Bytes),
	}

	return errors.Wrap(w.w.WritePacket(ci, frame.Bytes), "write capture record")
}

// Reader reads records from a capture file of either byte order.
type Reader struct {
	r *pcapgo.Reader

	// Records end with a checksum, which is validated and removed.
	ChecksumIncluded bool
}

// NewReader reads the file header. A bad magic or truncated header is an
// error.
func NewReader(r io.Reader, checksumIncluded bool) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read capture header")
	}

	if lt := pr.LinkType(); lt != parse.LinkType {
		log.WithField("linktype", lt).Warn("unexpected capture link type")
	}

	return &Reader{r: pr, ChecksumIncluded: checksumIncluded}, nil
}

// ReadPacketData returns the next record. A truncated record ends the file.
// Records failing the checksum, when it is included, return ErrChecksum and
// may be skipped.
func (r *Reader) ReadPacketData() (data []byte, ci gopacket.CaptureInfo, err error) {
	data, ci, err = r.r.ReadPacketData()
	if err == io.ErrUnexpectedEOF {
		log.Warn("capture ends with a truncated record")
		return nil, ci, io.EOF
	}
	if err != nil {
		return nil, ci, err
	}

	if r.ChecksumIncluded {
		if !x25.Valid(data) {
			return nil, ci, ErrChecksum
		}
		data = data[:len(data)-2]
		ci.CaptureLength = len(data)
	}

	return data, ci, nil
}

// PacketSource decodes records as LayerTypeElster packets.
func (r *Reader) PacketSource() *gopacket.PacketSource {
	src := gopacket.NewPacketSource(r, parse.LayerTypeElster)
	src.NoCopy = true
	return src
}
