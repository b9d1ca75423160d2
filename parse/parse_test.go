package parse_test

import (
	"encoding/binary"
	"encoding/json"
	"math/rand"
	"testing"
	"testing/quick"
	"time"

	"github.com/google/gopacket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemasher/rtlelster/gen"
	"github.com/bemasher/rtlelster/parse"
)

func TestDissectTotality(t *testing.T) {
	f := func(data []byte) bool {
		msg := parse.Dissect(data)
		_ = msg.String()
		_ = msg.Record()
		return msg != nil
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 5000}); err != nil {
		t.Fatal(err)
	}
}

// Random frames steered into every branch: broadcast, coordinator and uplink
// headers with consistent length bytes.
func TestDissectTotalityShaped(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 20000; i++ {
		frame, err := gen.NewRandFrame(1 + r.Intn(90))
		require.NoError(t, err)

		if len(frame) >= 10 {
			switch r.Intn(3) {
			case 0:
				binary.BigEndian.PutUint32(frame[6:10], 0)
			case 1:
				frame[2] |= 0x80
				if len(frame) > 30 {
					frame[24] = 0x40
					frame[30] = []byte{0xCE, 0x23, 0x22, 0x6A}[r.Intn(4)]
				}
			case 2:
				frame[2] &= 0x7F
				if len(frame) > 18 {
					frame[16] = byte(len(frame) - 17)
					frame[18] = []byte{0xCE, 0x22, 0x28, 0x23, 0x6A}[r.Intn(5)]
				}
			}
		}

		msg := parse.Dissect(frame)
		require.NotNil(t, msg)
		_ = msg.String()
		_ = msg.Record()
	}
}

func TestDissectHourly(t *testing.T) {
	frame := gen.Hourly(0x12345678, 0x80000001, 9, 100, []uint16{150, 200, 175})

	msg := parse.Dissect(frame)
	hourly, ok := msg.(parse.HourlyUsage)
	require.True(t, ok, "%T", msg)

	assert.Equal(t, parse.KindHourlyUsage, hourly.Kind())
	assert.Equal(t, parse.MeterID(0x12345678), hourly.MeterID())
	assert.Equal(t, uint8(9), hourly.Command.Counter)
	assert.Equal(t, uint16(100), hourly.LastHour)
	assert.Equal(t, uint16(98), hourly.FirstHour())
	assert.Equal(t, uint16(100), hourly.ReadingsEnd())
	assert.Equal(t, []uint16{150, 200, 175}, hourly.Readings)
	assert.False(t, hourly.HasTimeOfDay())
}

func TestDissectHourlyClamp(t *testing.T) {
	readings := make([]uint16, 20)
	for idx := range readings {
		readings[idx] = uint16(idx)
	}

	// Fits a Direct frame, not a Manchester one.
	frame := gen.Hourly(1, 2, 0, 500, readings)
	hourly := parse.Dissect(frame).(parse.HourlyUsage)
	assert.Len(t, hourly.Readings, parse.MaxHourlyReadings)
	assert.Equal(t, uint8(20), hourly.Count)
	assert.Equal(t, readings[:parse.MaxHourlyReadings], hourly.Readings)
	assert.Equal(t, uint16(481), hourly.FirstHour())
	assert.Equal(t, uint16(497), hourly.ReadingsEnd())

	// Count larger than the readings present.
	frame = gen.Hourly(1, 2, 0, 500, readings[:4])
	frame[26] = 10
	hourly = parse.Dissect(frame).(parse.HourlyUsage)
	assert.Equal(t, readings[:4], hourly.Readings)
	assert.Equal(t, uint16(491), hourly.FirstHour())
	assert.Equal(t, uint16(494), hourly.ReadingsEnd())
}

func TestDissectAnomalous(t *testing.T) {
	frame := gen.Hourly(0x12345678, 0x80000001, 0, 100, []uint16{1})
	frame[16]++

	u, ok := parse.Dissect(frame).(parse.Unknown)
	require.True(t, ok)
	assert.True(t, u.Anomalous)
	assert.Equal(t, parse.Bytes(frame[16:]), u.Payload)
}

func TestDissectUplinkCommands(t *testing.T) {
	for cmd, kind := range map[uint8]parse.Kind{
		parse.CmdAck:  parse.KindAck,
		parse.CmdAck2: parse.KindAck,
		parse.CmdPath: parse.KindUnknown,
		parse.Cmd6A:   parse.KindUnknown,
		0x01:          parse.KindUnknown,
	} {
		frame := gen.Hourly(0x12345678, 0x80000001, 0, 100, []uint16{1, 2})
		frame[18] = cmd

		msg := parse.Dissect(frame)
		assert.Equal(t, kind, msg.Kind(), "cmd 0x%02X", cmd)

		if u, ok := msg.(parse.Unknown); ok {
			require.NotNil(t, u.Command)
			assert.Equal(t, cmd, u.Command.Code)
			assert.False(t, u.Anomalous)
		}
	}
}

func TestDissectPathBuilding(t *testing.T) {
	date := parse.NewDate(time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC))
	tod := parse.NewTimeOfDay(13*time.Hour + 14*time.Minute + 15*time.Second + 500*time.Millisecond)

	for _, d := range []*parse.Date{nil, &date} {
		msg := parse.Dissect(gen.PathBuilding(0x80000001, 0x42, 0x99, 2, tod, d))
		p, ok := msg.(parse.PathBuilding)
		require.True(t, ok, "%T", msg)

		assert.Equal(t, parse.MeterID(0x80000001), p.Gatekeeper())
		assert.Equal(t, parse.MeterID(0x42), p.Node())
		assert.Equal(t, parse.MeterID(0x99), p.Parent)
		assert.Equal(t, uint8(2), p.Level)
		assert.True(t, p.HasTimeOfDay())
		assert.Equal(t, "13:14:15.500", p.TimeOfDay().String())

		if d == nil {
			assert.Nil(t, p.Date)
		} else {
			require.NotNil(t, p.Date)
			assert.Equal(t, "2021-03-04", p.Date.String())
		}
	}
}

func TestDissectCoordinator(t *testing.T) {
	msg := parse.Dissect(gen.UsageRequest(0x80000001, 0x12345678, 98, 0))
	req, ok := msg.(parse.UsageRequest)
	require.True(t, ok, "%T", msg)
	assert.Equal(t, uint16(98), req.FirstHour)

	frame := gen.UsageRequest(0x80000001, 0x12345678, 98, 0)
	frame[30] = parse.CmdAck
	assert.Equal(t, parse.KindAck, parse.Dissect(frame).Kind())

	frame[30] = parse.Cmd6A
	u := parse.Dissect(frame).(parse.Unknown)
	require.NotNil(t, u.Path)
	require.NotNil(t, u.Command)
	assert.Equal(t, parse.Cmd6A, u.Command.Code)

	// No command marker.
	frame[24] = 0
	u = parse.Dissect(frame).(parse.Unknown)
	assert.NotNil(t, u.Path)
	assert.Nil(t, u.Command)

	// Path building too short for its record.
	frame = gen.PathBuilding(0x80000001, 0x42, 0x99, 2, 0, nil)[:40]
	u = parse.Dissect(frame).(parse.Unknown)
	assert.True(t, u.Truncated)
}

// Coordinator frames cut anywhere after the header dissect without panicking.
func TestDissectCoordinatorShort(t *testing.T) {
	full := gen.UsageRequest(0x80000001, 0x12345678, 98, 0)

	for n := parse.HeaderLength; n < len(full); n++ {
		frame := append([]byte(nil), full[:n]...)
		frame[0] = byte(n)

		msg := parse.Dissect(frame)
		require.NotNil(t, msg, "length %d", n)
		assert.Equal(t, parse.KindUnknown, msg.Kind(), "length %d", n)
		_ = msg.String()
	}

	// Path present, nothing after it.
	frame := append([]byte(nil), full[:24]...)
	frame[0] = 24

	u, ok := parse.Dissect(frame).(parse.Unknown)
	require.True(t, ok)
	require.NotNil(t, u.Path)
	assert.Nil(t, u.Command)
	assert.True(t, u.Truncated)
	assert.Empty(t, u.Payload)
}

func TestDissectBroadcast(t *testing.T) {
	date := parse.NewDate(time.Date(2019, 12, 31, 0, 0, 0, 0, time.UTC))
	frame := gen.BroadcastDate(0x80000001, 3, date, 0)

	msg := parse.Dissect(frame)
	b, ok := msg.(parse.BroadcastDate)
	require.True(t, ok, "%T", msg)
	assert.Equal(t, uint8(3), b.Flood.Hop)
	assert.Equal(t, "2019-12-31", b.Date.String())

	// Meter list.
	list := make([]byte, 68)
	copy(list, frame[:29])
	list[0] = byte(len(list))
	list[28] = 0x27
	for idx := 0; idx < parse.MeterListEntries; idx++ {
		binary.BigEndian.PutUint32(list[33+5*idx:], uint32(0x1000+idx))
		list[37+5*idx] = byte(idx + 1)
	}
	ml, ok := parse.Dissect(list).(parse.BroadcastMeterList)
	require.True(t, ok)
	assert.Equal(t, parse.ListEntry{ID: 0x1006, Value: 7}, ml.Entries[6])

	// Schedule.
	sched := make([]byte, 40)
	copy(sched, frame[:29])
	sched[0] = byte(len(sched))
	sched[28] = 0
	sched[34] = 5
	s, ok := parse.Dissect(sched).(parse.BroadcastSchedule)
	require.True(t, ok)
	assert.Equal(t, uint8(5), s.DayCount)
	assert.Len(t, s.Days, 5)

	sched[28] = 0x99
	raw, ok := parse.Dissect(sched).(parse.BroadcastRaw)
	require.True(t, ok)
	assert.False(t, raw.Truncated)
	assert.Len(t, raw.Payload, len(sched)-29)

	// Destination 0 but too short to be a broadcast.
	short := gen.Hourly(0x12345678, 0, 0, 1, []uint16{1})
	assert.Equal(t, parse.KindHourlyUsage, parse.Dissect(short).Kind())
}

func TestDate(t *testing.T) {
	assert.Equal(t, 2000, parse.Date(0).Year())
	assert.Equal(t, "2000-01-01", parse.Date(0).String())
	assert.Equal(t, "2001-01-02", parse.Date(1<<9|1).String())

	for _, ts := range []time.Time{
		time.Date(2013, 2, 28, 0, 0, 0, 0, time.UTC),
		time.Date(2016, 12, 31, 0, 0, 0, 0, time.UTC),
	} {
		assert.Equal(t, ts, parse.NewDate(ts).Time())
	}
}

func TestTimeOfDay(t *testing.T) {
	tod := parse.ParseTimeOfDay([]byte{0x00, 0x00, 0x80})
	assert.Equal(t, time.Second, tod.Duration())

	tod = parse.NewTimeOfDay(23*time.Hour + 59*time.Minute + 59*time.Second)
	assert.Equal(t, 23, tod.Hours())
	assert.Equal(t, 59, tod.Minutes())
	assert.Equal(t, "23:59:59.000", tod.String())

	b := tod.Bytes()
	assert.Equal(t, tod, parse.ParseTimeOfDay(b[:]))
}

func TestMeterID(t *testing.T) {
	id, err := parse.ParseMeterID("0x80000001")
	require.NoError(t, err)
	assert.True(t, id.IsCoordinator())
	assert.Equal(t, "80000001", id.String())

	id, err = parse.ParseMeterID("66")
	require.NoError(t, err)
	assert.Equal(t, parse.MeterID(0x42), id)
	assert.False(t, id.IsCoordinator())

	_, err = parse.ParseMeterID("meter")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, k := range []parse.Kind{parse.KindUnknown, parse.KindHourlyUsage, parse.KindBroadcastRaw} {
		got, err := parse.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := parse.ParseKind("scm")
	assert.Error(t, err)
}

type kindFilter parse.Kind

func (k kindFilter) Filter(msg parse.Message) bool {
	return msg.Kind() == parse.Kind(k)
}

func TestFilterChain(t *testing.T) {
	hourly := parse.Dissect(gen.Hourly(1, 2, 0, 1, []uint16{1}))
	path := parse.Dissect(gen.PathBuilding(0x80000001, 1, 2, 1, 0, nil))

	var fc parse.FilterChain
	assert.True(t, fc.Match(path))

	fc.Add(kindFilter(parse.KindHourlyUsage))
	assert.True(t, fc.Match(hourly))
	assert.False(t, fc.Match(path))
}

func TestLogMessageJSON(t *testing.T) {
	msg := parse.NewLogMessage(time.Unix(0, 0).UTC(), 2, parse.Dissect(gen.Hourly(0x12345678, 0x80000001, 0, 100, []uint16{150})))

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "hourly", decoded["Type"])
	assert.Equal(t, float64(2), decoded["Channel"])

	r := msg.Record()
	assert.Equal(t, "2", r[1])
	assert.Equal(t, "hourly", r[2])
	assert.Equal(t, "1.50", r[len(r)-1])
}

func TestLayer(t *testing.T) {
	frame := gen.Hourly(0x12345678, 0x80000001, 0, 100, []uint16{150, 200, 175})

	packet := gopacket.NewPacket(frame, parse.LinkType, gopacket.Default)
	layer := packet.Layer(parse.LayerTypeElster)
	require.NotNil(t, layer)

	l := layer.(*parse.Layer)
	assert.Equal(t, frame, l.LayerContents())
	assert.Equal(t, parse.KindHourlyUsage, l.Message.Kind())
}
