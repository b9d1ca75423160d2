package csv

import (
	"encoding/csv"
	"io"

	"golang.org/x/xerrors"
)

// Produces a list of fields making up a record.
type Recorder interface {
	Record() []string
}

// An Encoder writes CSV records to an output stream. Records of different
// message types have different field counts.
type Encoder struct {
	w *csv.Writer
}

// NewEncoder returns a new encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	cw := csv.NewWriter(w)
	return &Encoder{w: cw}
}

// Encode writes a CSV record representing v to the stream followed by a
// newline character. Value given must implement the Recorder interface.
func (enc *Encoder) Encode(v interface{}) (err error) {
	defer func() {
		if r, _ := recover().(error); r != nil {
			err = xerrors.Errorf("recovered: %w", r)
		}
	}()

	if err = enc.w.Write(v.(Recorder).Record()); err != nil {
		return xerrors.Errorf("csv: %w", err)
	}
	enc.w.Flush()

	if err = enc.w.Error(); err != nil {
		return xerrors.Errorf("csv: %w", err)
	}
	return nil
}

// Header writes a row of column names.
func (enc *Encoder) Header(names ...string) error {
	return enc.Encode(header(names))
}

type header []string

func (h header) Record() []string {
	return h
}
