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
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bemasher/rtlelster/capture"
	"github.com/bemasher/rtlelster/decode"
	"github.com/bemasher/rtlelster/gen"
	"github.com/bemasher/rtlelster/parse"
	"github.com/bemasher/rtlelster/session"
	"github.com/bemasher/rtlelster/store"
)

var (
	buildTag   = "dev"
	buildDate  = "unknown"
	commitHash = "unknown"
)

type App struct {
	configFile string
	cfg        Config

	enc     Encoder
	fc      parse.FilterChain
	session *session.Session

	closers []io.Closer
}

func NewApp() *App {
	return &App{session: session.New()}
}

// Handle writes each message passing the filter chain to the output encoder.
func (a *App) Handle(msg parse.LogMessage) error {
	if !a.fc.Match(msg.Message) {
		return nil
	}
	return a.enc.Encode(msg)
}

func (a *App) load(cmd *cobra.Command) (err error) {
	if a.cfg, err = LoadConfig(a.configFile, cmd.Flags()); err != nil {
		return err
	}

	closer, err := SetupLogging(a.cfg)
	if err != nil {
		return err
	}
	a.track(closer)

	a.fc, err = NewFilterChain(a.cfg)
	return err
}

// output prepares the message encoder once the number of channels is known.
func (a *App) output(w io.Writer, channels int) error {
	enc, closer, err := NewEncoder(a.cfg.Format, w, channels > 1)
	if err != nil {
		return err
	}
	a.enc = enc
	a.track(closer)

	if h, ok := enc.(interface{ Header(...string) error }); ok {
		return h.Header("time", "channel", "type", "length", "flags", "src", "dst", "unknown", "stamp", "fields")
	}
	return nil
}

func (a *App) track(c io.Closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() (err error) {
	for idx := len(a.closers) - 1; idx >= 0; idx-- {
		err = multierr.Append(err, a.closers[idx].Close())
	}
	a.closers = nil
	return err
}

// finish reports the session and exports its tables.
func (a *App) finish() (err error) {
	report := io.Writer(os.Stdout)
	if a.cfg.Format != "plain" {
		report = os.Stderr
	}
	if err := a.session.Report(report); err != nil {
		return err
	}

	if a.cfg.Dot != "" {
		f, err := os.Create(a.cfg.Dot)
		if err != nil {
			return errors.Wrap(err, "create dot file")
		}
		err = multierr.Append(a.session.Mesh.WriteDot(f), f.Close())
		if err != nil {
			return err
		}
		log.WithField("path", a.cfg.Dot).Info("wrote mesh topology")
	}

	if a.cfg.DB != "" {
		db, err := store.Open(a.cfg.DB)
		if err != nil {
			return err
		}
		if err := multierr.Append(db.Save(a.session), db.Close()); err != nil {
			return err
		}
	}

	a.session.Log()

	return nil
}

func (a *App) runDecode(cmd *cobra.Command, args []string) error {
	if err := a.output(os.Stdout, len(args)); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	for idx, name := range args {
		f, err := os.Open(name)
		if err != nil {
			return errors.Wrap(err, "open capture")
		}

		r, err := capture.NewReader(f, a.cfg.ChecksumIncluded)
		if err != nil {
			f.Close()
			return errors.Wrapf(err, "read %s", name)
		}

		log.WithFields(log.Fields{"path": name, "channel": idx}).Debug("reading capture")
		err = a.session.ReadCapture(ctx, r, idx, a.Handle)
		f.Close()
		if err != nil {
			return err
		}
	}

	return a.finish()
}

func (a *App) runFrame(cmd *cobra.Command, args []string) error {
	var sources []io.Reader
	for _, name := range append(a.cfg.Channels, args...) {
		if name == "-" {
			sources = append(sources, os.Stdin)
			continue
		}

		f, err := os.Open(name)
		if err != nil {
			return errors.Wrap(err, "open channel")
		}
		a.track(f)
		sources = append(sources, f)
	}
	if len(sources) == 0 {
		sources = append(sources, os.Stdin)
	}

	if err := a.output(os.Stdout, len(sources)); err != nil {
		return err
	}

	var w *capture.Writer
	if a.cfg.Pcap != "" {
		f, err := os.Create(a.cfg.Pcap)
		if err != nil {
			return errors.Wrap(err, "create capture")
		}
		a.track(f)

		if w, err = capture.NewWriter(f); err != nil {
			return err
		}
	}

	cfg := decode.DefaultConfig()
	cfg.Packed = a.cfg.Packed
	cfg.BlockSize = a.cfg.BlockSize

	d := decode.NewDecoder(cfg)
	d.Log()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	if a.cfg.Duration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, a.cfg.Duration)
		defer stop()
	}

	frames := d.Run(ctx, sources)
	if err := a.session.Consume(frames, w, a.Handle); err != nil {
		cancel()
		for range frames {
		}
		return err
	}

	d.Stats.Log()

	return a.finish()
}

// demoFrames are synthesized when no frames are given.
func demoFrames() [][]byte {
	return [][]byte{
		gen.Hourly(0x12345678, 0x80000001, 1, 100, []uint16{150, 200, 175}),
		gen.PathBuilding(0x80000001, 0x42, 0x99, 2, 0, nil),
	}
}

func (a *App) runSynth(cmd *cobra.Command, args []string) error {
	var proto *decode.LineProtocol
	for _, p := range decode.DefaultProtocols() {
		if p.Code.String() == strings.ToLower(a.cfg.Protocol) {
			p := p
			proto = &p
		}
	}
	if proto == nil {
		return errors.Errorf("invalid protocol: %q", a.cfg.Protocol)
	}

	frames := demoFrames()
	if len(args) > 0 {
		frames = frames[:0]
		for _, arg := range args {
			frame, err := hex.DecodeString(arg)
			if err != nil {
				return errors.Wrapf(err, "frame %q", arg)
			}
			if len(frame) < parse.HeaderLength {
				return errors.Errorf("frame %q shorter than header", arg)
			}
			frames = append(frames, frame)
		}
	}

	bits := gen.Stream(*proto, a.cfg.Gap, frames...)
	if a.cfg.Packed {
		bits = gen.PackBits(bits)
	}

	out := io.Writer(os.Stdout)
	if a.cfg.Out != "" {
		f, err := os.Create(a.cfg.Out)
		if err != nil {
			return errors.Wrap(err, "create output")
		}
		a.track(f)
		out = f
	}

	if _, err := out.Write(bits); err != nil {
		return errors.Wrap(err, "write line bits")
	}

	log.WithFields(log.Fields{
		"protocol": proto.Code,
		"frames":   len(frames),
		"bits":     len(bits),
	}).Info("synthesized")

	return nil
}

func NewRootCmd(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "rtlelster",
		Short:         "Decoder and analyzer for Elster EnergyAxis mesh traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "config file (yaml, json or toml)")
	pf.String("format", "plain", "format to write log messages in: plain, csv, json, xml, yaml or cbor")
	pf.StringSlice("filterid", nil, "display only messages to or from these meter ids, comma separated")
	pf.StringSlice("msgtype", nil, "display only these message kinds, comma separated")
	pf.Bool("unique", false, "suppress duplicate messages from each meter")
	pf.String("dot", "", "write the mesh topology as a graphviz digraph to this file")
	pf.String("db", "", "save readings and mesh nodes to this sqlite database")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("log-file", "", "also write logs to this rotated file")

	decodeCmd := &cobra.Command{
		Use:   "decode FILE...",
		Short: "Dissect frames from pcap captures",
		Args:  cobra.MinimumNArgs(1),
		RunE:  a.runDecode,
	}
	decodeCmd.Flags().Bool("checksum-included", false, "records carry a trailing checksum to validate and strip")

	frameCmd := &cobra.Command{
		Use:   "frame [FILE...]",
		Short: "Recover frames from demodulated line bits",
		RunE:  a.runFrame,
	}
	ff := frameCmd.Flags()
	ff.StringSlice("channel", nil, "line bit file for one channel, - for stdin, repeatable")
	ff.String("pcap", "", "append recovered frames to this capture file")
	ff.Bool("packed", false, "input packs eight line bits per byte")
	ff.Int("blocksize", decode.DefaultConfig().BlockSize, "line bits read per block")
	ff.Duration("duration", 0, "stop after this long, 0 to run until input ends")

	synthCmd := &cobra.Command{
		Use:   "synth [HEXFRAME...]",
		Short: "Encode frames to line bits",
		RunE:  a.runSynth,
	}
	sf := synthCmd.Flags()
	sf.String("protocol", decode.Direct.String(), "line protocol: manchester or direct")
	sf.Int("gap", 512, "idle line bits before each frame")
	sf.Bool("packed", false, "pack eight line bits per byte")
	sf.String("out", "", "output file, defaults to stdout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Build Tag: %s\nBuild Date: %s\nCommit: %s\n", buildTag, buildDate, commitHash)
		},
	}

	root.AddCommand(decodeCmd, frameCmd, synthCmd, versionCmd)

	return root
}

func main() {
	a := NewApp()

	err := NewRootCmd(a).ExecuteContext(context.Background())
	err = multierr.Append(err, a.Close())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}
