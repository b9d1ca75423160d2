package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/bemasher/rtlelster/gen"
	"github.com/bemasher/rtlelster/parse"
)

const (
	meter       = parse.MeterID(0x12345678)
	coordinator = parse.MeterID(0x80000001)
)

func hourlyMessage(hour uint16) parse.LogMessage {
	msg := parse.Dissect(gen.Hourly(meter, coordinator, 0, hour, []uint16{150}))
	return parse.NewLogMessage(time.Unix(1559392215, 0).UTC(), 0, msg)
}

// flagSet gathers the flags cmd sees when run beneath root.
func flagSet(t *testing.T, root, cmd *cobra.Command) *pflag.FlagSet {
	t.Helper()

	fs := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	fs.AddFlagSet(root.PersistentFlags())
	fs.AddFlagSet(cmd.Flags())
	return fs
}

func TestMeterIDFilter(t *testing.T) {
	f, err := NewMeterIDFilter([]string{"0x12345678, 0x42", "99"})
	require.NoError(t, err)
	assert.Len(t, f, 3)

	assert.True(t, f.Filter(hourlyMessage(1)))
	assert.False(t, f.Filter(parse.Dissect(gen.UsageRequest(coordinator, 0x43, 1, 0))))

	_, err = NewMeterIDFilter([]string{"meter"})
	assert.Error(t, err)
}

func TestKindFilter(t *testing.T) {
	f, err := NewKindFilter([]string{"hourly,path"})
	require.NoError(t, err)

	assert.True(t, f.Filter(hourlyMessage(1)))
	assert.True(t, f.Filter(parse.Dissect(gen.PathBuilding(coordinator, 0x42, 0x99, 2, 0, nil))))
	assert.False(t, f.Filter(parse.Dissect(gen.UsageRequest(coordinator, meter, 1, 0))))

	_, err = NewKindFilter([]string{"scm"})
	assert.Error(t, err)
}

func TestUniqueFilter(t *testing.T) {
	f := NewUniqueFilter()

	assert.True(t, f.Filter(hourlyMessage(1)))
	assert.False(t, f.Filter(hourlyMessage(1)))
	assert.True(t, f.Filter(hourlyMessage(2)))
	assert.True(t, f.Filter(hourlyMessage(1)))
}

func TestNewFilterChain(t *testing.T) {
	fc, err := NewFilterChain(Config{MsgType: []string{"request"}, Unique: true})
	require.NoError(t, err)
	assert.Len(t, fc, 2)

	assert.False(t, fc.Match(hourlyMessage(1)))

	req := parse.Dissect(gen.UsageRequest(coordinator, meter, 1, 0))
	assert.True(t, fc.Match(req))
	assert.False(t, fc.Match(req))

	fc, err = NewFilterChain(Config{})
	require.NoError(t, err)
	assert.Empty(t, fc)
	assert.True(t, fc.Match(req))
}

func TestEncoders(t *testing.T) {
	msg := hourlyMessage(100)

	for _, format := range []string{"plain", "csv", "json", "xml", "yaml", "cbor"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			enc, closer, err := NewEncoder(format, &buf, false)
			require.NoError(t, err)
			require.NoError(t, enc.Encode(msg))
			if closer != nil {
				require.NoError(t, closer.Close())
			}
			assert.NotZero(t, buf.Len())
		})
	}

	_, _, err := NewEncoder("gob", &bytes.Buffer{}, false)
	assert.Error(t, err)
}

func TestPlainEncoderChannel(t *testing.T) {
	msg := hourlyMessage(100)

	var single, multi bytes.Buffer
	require.NoError(t, PlainEncoder{&single, false}.Encode(msg))
	require.NoError(t, PlainEncoder{&multi, true}.Encode(msg))

	assert.NotContains(t, single.String(), "Channel:")
	assert.Contains(t, multi.String(), "Channel:0")
}

func TestStructuredEncoders(t *testing.T) {
	msg := hourlyMessage(100)

	var js bytes.Buffer
	enc, _, err := NewEncoder("json", &js, false)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(msg))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "hourly", decoded["Type"])

	var cb bytes.Buffer
	enc, _, err = NewEncoder("cbor", &cb, false)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(msg))

	decoded = nil
	require.NoError(t, cbor.Unmarshal(cb.Bytes(), &decoded))
	assert.Equal(t, "hourly", decoded["Type"])

	var ym bytes.Buffer
	enc, closer, err := NewEncoder("yaml", &ym, false)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(msg))
	require.NoError(t, closer.Close())

	decoded = nil
	require.NoError(t, yaml.Unmarshal(ym.Bytes(), &decoded))
	assert.Equal(t, "hourly", decoded["type"])
}

func TestLoadConfig(t *testing.T) {
	a := NewApp()
	cmd := NewRootCmd(a)

	decodeCmd, _, err := cmd.Find([]string{"decode"})
	require.NoError(t, err)

	flags := flagSet(t, cmd, decodeCmd)
	require.NoError(t, flags.Parse([]string{"--format", "JSON"}))

	t.Setenv("RTLELSTER_LOG_LEVEL", "debug")
	t.Setenv("RTLELSTER_FORMAT", "xml")
	t.Setenv("RTLELSTER_CHECKSUM_INCLUDED", "true")

	cfg, err := LoadConfig("", flags)
	require.NoError(t, err)

	// Flags set on the command line win over the environment.
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.ChecksumIncluded)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfigFile(t *testing.T) {
	path := t.TempDir() + "/rtlelster.yaml"
	require.NoError(t, os.WriteFile(path, []byte("unique: true\nmsgtype: [hourly, path]\n"), 0o644))

	a := NewApp()
	cmd := NewRootCmd(a)
	flags := flagSet(t, cmd, cmd)

	cfg, err := LoadConfig(path, flags)
	require.NoError(t, err)
	assert.True(t, cfg.Unique)
	assert.Equal(t, []string{"hourly", "path"}, cfg.MsgType)
	assert.Equal(t, "plain", cfg.Format)

	_, err = LoadConfig(path+".missing", flags)
	assert.Error(t, err)
}

func TestSetupLogging(t *testing.T) {
	closer, err := SetupLogging(Config{LogLevel: "warn", LogFile: t.TempDir() + "/rtlelster.log"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.NoError(t, closer.Close())

	_, err = SetupLogging(Config{LogLevel: "loud"})
	assert.Error(t, err)

	_, err = SetupLogging(Config{LogLevel: "info", LogFormat: "logfmt"})
	assert.Error(t, err)

	closer, err = SetupLogging(Config{LogLevel: "info"})
	require.NoError(t, err)
	assert.Nil(t, closer)
}

func TestVersion(t *testing.T) {
	cmd := NewRootCmd(NewApp())

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())

	assert.True(t, strings.HasPrefix(out.String(), "Build Tag: dev\n"))
}
