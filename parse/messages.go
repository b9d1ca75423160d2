package parse

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Command codes.
const (
	CmdHourly uint8 = 0xCE
	CmdPath   uint8 = 0x23
	CmdAck    uint8 = 0x22
	CmdAck2   uint8 = 0x28
	Cmd6A     uint8 = 0x6A
)

// Bytes is an opaque field, formatted as hex.
type Bytes []byte

func (b Bytes) String() string {
	return hex.EncodeToString(b)
}

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Path is the mesh route carried by coordinator frames.
type Path [8]byte

func (p Path) String() string {
	return hex.EncodeToString(p[:])
}

func (p Path) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Header is the 16 bytes common to every frame.
type Header struct {
	Length  uint8
	Flags   uint8
	Src     MeterID
	Dst     MeterID
	Unknown [3]byte
	// Time of day for coordinator and broadcast frames, repeater and two
	// unknown bytes otherwise.
	Stamp [3]byte
}

func (h Header) Common() Header {
	return h
}

func (h Header) MeterID() MeterID {
	return h.Src
}

// IsBroadcast reports whether the frame is a flood broadcast.
func (h Header) IsBroadcast() bool {
	return h.Dst == 0 && h.Length >= broadcastMinLength
}

// HasTimeOfDay reports whether Stamp holds a time of day.
func (h Header) HasTimeOfDay() bool {
	return h.Src.IsCoordinator() || h.IsBroadcast()
}

func (h Header) TimeOfDay() TimeOfDay {
	return ParseTimeOfDay(h.Stamp[:])
}

func (h Header) Repeater() uint8 {
	return h.Stamp[0]
}

func (h Header) fields() (fields []string) {
	fields = append(fields, fmt.Sprintf("Length:0x%02X", h.Length))
	fields = append(fields, fmt.Sprintf("Flags:0x%02X", h.Flags))
	fields = append(fields, fmt.Sprintf("Src:%s", h.Src))
	fields = append(fields, fmt.Sprintf("Dst:%s", h.Dst))
	fields = append(fields, fmt.Sprintf("Unknown:%02x", h.Unknown))
	if h.HasTimeOfDay() {
		fields = append(fields, fmt.Sprintf("Time:%s", h.TimeOfDay()))
	} else {
		fields = append(fields, fmt.Sprintf("Repeater:%02x", h.Stamp[0]))
		fields = append(fields, fmt.Sprintf("Stamp:%02x", h.Stamp[1:]))
	}
	return
}

func (h Header) Record() (r []string) {
	r = append(r, strconv.FormatUint(uint64(h.Length), 10))
	r = append(r, "0x"+strconv.FormatUint(uint64(h.Flags), 16))
	r = append(r, h.Src.String())
	r = append(r, h.Dst.String())
	r = append(r, hex.EncodeToString(h.Unknown[:]))
	r = append(r, hex.EncodeToString(h.Stamp[:]))
	return
}

// Command is the four byte header preceding a command's payload.
type Command struct {
	Length  uint8
	Unknown uint8
	Code    uint8
	Counter uint8
}

func newCommand(b []byte) Command {
	return Command{b[0], b[1], b[2], b[3]}
}

func (c Command) String() string {
	return fmt.Sprintf("{Length:0x%02X Unknown:0x%02X Cmd:0x%02X Counter:0x%02X}",
		c.Length, c.Unknown, c.Code, c.Counter,
	)
}

func (c Command) Record() []string {
	return []string{
		strconv.FormatUint(uint64(c.Length), 10),
		"0x" + strconv.FormatUint(uint64(c.Code), 16),
		strconv.FormatUint(uint64(c.Counter), 10),
	}
}

func join(fields []string) string {
	return "{" + strings.Join(fields, " ") + "}"
}

// Unknown is a frame without a recognized shape. Anomalous marks uplinks
// whose payload length byte disagrees with the frame length, Truncated marks
// frames too short for the shape their fields announce.
type Unknown struct {
	Header
	Path      *Path    `json:",omitempty" yaml:",omitempty"`
	Command   *Command `json:",omitempty" yaml:",omitempty"`
	Payload   Bytes
	Anomalous bool
	Truncated bool
}

func (Unknown) Kind() Kind        { return KindUnknown }
func (u Unknown) MsgType() string { return u.Kind().String() }

func (u Unknown) String() string {
	fields := u.Header.fields()
	if u.Path != nil {
		fields = append(fields, "Path:"+u.Path.String())
	}
	if u.Command != nil {
		fields = append(fields, "Command:"+u.Command.String())
	}
	if u.Anomalous {
		fields = append(fields, "Anomalous:true")
	}
	if u.Truncated {
		fields = append(fields, "Truncated:true")
	}
	fields = append(fields, "Payload:"+u.Payload.String())
	return join(fields)
}

func (u Unknown) Record() (r []string) {
	r = u.Header.Record()
	if u.Command != nil {
		r = append(r, u.Command.Record()...)
	}
	r = append(r, strconv.FormatBool(u.Anomalous), u.Payload.String())
	return
}

// Ack is an acknowledgment shaped frame, the payload is not decoded further.
type Ack struct {
	Header
	Path    *Path `json:",omitempty" yaml:",omitempty"`
	Command Command
	Payload Bytes
}

func (Ack) Kind() Kind        { return KindAck }
func (a Ack) MsgType() string { return a.Kind().String() }

func (a Ack) String() string {
	fields := a.Header.fields()
	if a.Path != nil {
		fields = append(fields, "Path:"+a.Path.String())
	}
	fields = append(fields, "Command:"+a.Command.String())
	fields = append(fields, "Payload:"+a.Payload.String())
	return join(fields)
}

func (a Ack) Record() (r []string) {
	r = a.Header.Record()
	r = append(r, a.Command.Record()...)
	r = append(r, a.Payload.String())
	return
}

// UsageRequest is a coordinator asking a meter for hourly readings.
type UsageRequest struct {
	Header
	Path      Path
	Marker    Bytes
	Command   Command
	Unknown2  uint8
	FirstHour uint16
}

func (UsageRequest) Kind() Kind        { return KindUsageRequest }
func (u UsageRequest) MsgType() string { return u.Kind().String() }

func (u UsageRequest) String() string {
	fields := u.Header.fields()
	fields = append(fields, "Path:"+u.Path.String())
	fields = append(fields, "Marker:"+u.Marker.String())
	fields = append(fields, "Command:"+u.Command.String())
	fields = append(fields, fmt.Sprintf("Unknown2:0x%02X", u.Unknown2))
	fields = append(fields, fmt.Sprintf("FirstHour:%05d", u.FirstHour))
	return join(fields)
}

func (u UsageRequest) Record() (r []string) {
	r = u.Header.Record()
	r = append(r, u.Command.Record()...)
	r = append(r, strconv.FormatUint(uint64(u.FirstHour), 10))
	return
}

// MaxHourlyReadings is the largest reading count a single report carries.
const MaxHourlyReadings = 17

// HourlyUsage is a meter's report of per-hour consumption in hundredths of
// a kWh, oldest first. Count readings end at LastHour, see FirstHour.
type HourlyUsage struct {
	Header
	Command     Command
	Unknown2    uint8
	UsageFlags  uint8
	CurrentHour uint16
	LastHour    uint16
	Count       uint8
	Readings    []uint16
}

func (HourlyUsage) Kind() Kind        { return KindHourlyUsage }
func (h HourlyUsage) MsgType() string { return h.Kind().String() }

// FirstHour is the hour index of Readings[0]. Count, not the number of
// readings kept, spans the hours ending at LastHour.
func (h HourlyUsage) FirstHour() uint16 {
	return h.LastHour - uint16(h.Count) + 1
}

// ReadingsEnd is the hour index of the last kept reading. It is LastHour
// unless the count was clamped.
func (h HourlyUsage) ReadingsEnd() uint16 {
	return h.FirstHour() + uint16(len(h.Readings)) - 1
}

func (h HourlyUsage) String() string {
	fields := h.Header.fields()
	fields = append(fields, "Command:"+h.Command.String())
	fields = append(fields, fmt.Sprintf("Unknown2:0x%02X", h.Unknown2))
	fields = append(fields, fmt.Sprintf("UsageFlags:0x%02X", h.UsageFlags))
	fields = append(fields, fmt.Sprintf("CurrentHour:%05d", h.CurrentHour))
	fields = append(fields, fmt.Sprintf("LastHour:%05d", h.LastHour))
	fields = append(fields, fmt.Sprintf("Count:%d", h.Count))
	fields = append(fields, fmt.Sprintf("Readings:%d", h.Readings))
	return join(fields)
}

func (h HourlyUsage) Record() (r []string) {
	r = h.Header.Record()
	r = append(r, h.Command.Record()...)
	r = append(r, strconv.FormatUint(uint64(h.CurrentHour), 10))
	r = append(r, strconv.FormatUint(uint64(h.LastHour), 10))
	for _, v := range h.Readings {
		r = append(r, strconv.FormatFloat(float64(v)/100, 'f', 2, 64))
	}
	return
}

// PathBuilding advertises a node's place in the mesh: its parent and level
// under the gatekeeper that sent the frame.
type PathBuilding struct {
	Header
	Path     Path
	Marker   Bytes
	Command  Command
	Unknown2 [3]byte
	ID       uint8
	ParentID uint8
	Parent   MeterID
	Unknown3 uint8
	Children uint8
	Unknown4 uint8
	Level    uint8
	Unknown5 [6]byte
	Unknown6 uint16
	Unknown7 uint32
	Unknown8 uint8
	Date     *Date `json:",omitempty" yaml:",omitempty"`
}

func (PathBuilding) Kind() Kind        { return KindPathBuilding }
func (p PathBuilding) MsgType() string { return p.Kind().String() }

// Gatekeeper is the coordinator that sent the advertisement.
func (p PathBuilding) Gatekeeper() MeterID {
	return p.Src
}

// Node is the meter the advertisement describes.
func (p PathBuilding) Node() MeterID {
	return p.Dst
}

func (p PathBuilding) String() string {
	fields := p.Header.fields()
	fields = append(fields, "Path:"+p.Path.String())
	fields = append(fields, "Command:"+p.Command.String())
	fields = append(fields, fmt.Sprintf("ID:0x%02X", p.ID))
	fields = append(fields, fmt.Sprintf("ParentID:0x%02X", p.ParentID))
	fields = append(fields, fmt.Sprintf("Parent:%s", p.Parent))
	fields = append(fields, fmt.Sprintf("Children:%d", p.Children))
	fields = append(fields, fmt.Sprintf("Level:%d", p.Level))
	fields = append(fields, fmt.Sprintf("Unknown:%02x/%02x/%04x/%08x/%02x", p.Unknown2, p.Unknown5, p.Unknown6, p.Unknown7, p.Unknown8))
	if p.Date != nil {
		fields = append(fields, "Date:"+p.Date.String())
	}
	return join(fields)
}

func (p PathBuilding) Record() (r []string) {
	r = p.Header.Record()
	r = append(r, p.Command.Record()...)
	r = append(r, p.Parent.String())
	r = append(r, strconv.Itoa(int(p.Children)))
	r = append(r, strconv.Itoa(int(p.Level)))
	if p.Date != nil {
		r = append(r, p.Date.String())
	} else {
		r = append(r, "")
	}
	return
}

// Flood is the sub-header of a flood broadcast.
type Flood struct {
	Unknown1  [2]byte
	Hop       uint8
	Unknown2  uint8
	Addr      uint32
	Unknown3  uint32
	SubLength uint8
}

func (f Flood) fields() (fields []string) {
	fields = append(fields, fmt.Sprintf("Hop:0x%02X", f.Hop))
	fields = append(fields, fmt.Sprintf("Addr:%08x", f.Addr))
	fields = append(fields, fmt.Sprintf("Unknown:%02x/%02x/%08x", f.Unknown1, f.Unknown2, f.Unknown3))
	fields = append(fields, fmt.Sprintf("SubLength:0x%02X", f.SubLength))
	return
}

func (f Flood) Record() []string {
	return []string{
		strconv.Itoa(int(f.Hop)),
		fmt.Sprintf("%08x", f.Addr),
		strconv.Itoa(int(f.SubLength)),
	}
}

// BroadcastSchedule announces a schedule for the following days.
type BroadcastSchedule struct {
	Header
	Flood    Flood
	Prefix   Bytes
	Unknown2 uint8
	DayCount uint8
	Days     Bytes
}

func (BroadcastSchedule) Kind() Kind        { return KindBroadcastSchedule }
func (b BroadcastSchedule) MsgType() string { return b.Kind().String() }

func (b BroadcastSchedule) String() string {
	fields := append(b.Header.fields(), b.Flood.fields()...)
	fields = append(fields, "Prefix:"+b.Prefix.String())
	fields = append(fields, fmt.Sprintf("Unknown2:0x%02X", b.Unknown2))
	fields = append(fields, fmt.Sprintf("Next%dDays:%s", b.DayCount, b.Days))
	return join(fields)
}

func (b BroadcastSchedule) Record() (r []string) {
	r = append(b.Header.Record(), b.Flood.Record()...)
	r = append(r, strconv.Itoa(int(b.DayCount)), b.Days.String())
	return
}

// BroadcastDate distributes the current date.
type BroadcastDate struct {
	Header
	Flood  Flood
	Prefix Bytes
	Date   Date
}

func (BroadcastDate) Kind() Kind        { return KindBroadcastDate }
func (b BroadcastDate) MsgType() string { return b.Kind().String() }

func (b BroadcastDate) String() string {
	fields := append(b.Header.fields(), b.Flood.fields()...)
	fields = append(fields, "Prefix:"+b.Prefix.String())
	fields = append(fields, "Date:"+b.Date.String())
	return join(fields)
}

func (b BroadcastDate) Record() (r []string) {
	r = append(b.Header.Record(), b.Flood.Record()...)
	r = append(r, b.Date.String())
	return
}

// ListEntry pairs a meter id, whose high bit is sometimes set, with a small
// value in 0x01-0x45.
type ListEntry struct {
	ID    MeterID
	Value uint8
}

const MeterListEntries = 7

type BroadcastMeterList struct {
	Header
	Flood   Flood
	Prefix  Bytes
	Entries [MeterListEntries]ListEntry
}

func (BroadcastMeterList) Kind() Kind        { return KindBroadcastMeterList }
func (b BroadcastMeterList) MsgType() string { return b.Kind().String() }

func (b BroadcastMeterList) String() string {
	fields := append(b.Header.fields(), b.Flood.fields()...)
	fields = append(fields, "Prefix:"+b.Prefix.String())
	for _, e := range b.Entries {
		fields = append(fields, fmt.Sprintf("%s:%02x", e.ID, e.Value))
	}
	return join(fields)
}

func (b BroadcastMeterList) Record() (r []string) {
	r = append(b.Header.Record(), b.Flood.Record()...)
	for _, e := range b.Entries {
		r = append(r, e.ID.String(), strconv.Itoa(int(e.Value)))
	}
	return
}

// BroadcastRaw is a broadcast with an unrecognized sub-payload.
type BroadcastRaw struct {
	Header
	Flood     Flood
	Payload   Bytes
	Truncated bool
}

func (BroadcastRaw) Kind() Kind        { return KindBroadcastRaw }
func (b BroadcastRaw) MsgType() string { return b.Kind().String() }

func (b BroadcastRaw) String() string {
	fields := append(b.Header.fields(), b.Flood.fields()...)
	if b.Truncated {
		fields = append(fields, "Truncated:true")
	}
	fields = append(fields, "Payload:"+b.Payload.String())
	return join(fields)
}

func (b BroadcastRaw) Record() (r []string) {
	r = append(b.Header.Record(), b.Flood.Record()...)
	r = append(r, b.Payload.String())
	return
}
