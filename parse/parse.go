package parse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/bemasher/rtlelster/csv"
)

const (
	TimeFormat = "2006-01-02T15:04:05.000"
)

// MeterID is a LAN address. The high bit marks coordinator class nodes
// (gatekeepers, collectors) rather than end meters.
type MeterID uint32

const CoordinatorBit MeterID = 0x80000000

func (id MeterID) IsCoordinator() bool {
	return id&CoordinatorBit != 0
}

func (id MeterID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// ParseMeterID accepts decimal or 0x prefixed hexadecimal ids.
func ParseMeterID(s string) (MeterID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid meter id %q", s)
	}
	return MeterID(n), nil
}

// Kind identifies the shape a frame was dissected into.
type Kind int

const (
	KindUnknown Kind = iota
	KindAck
	KindUsageRequest
	KindHourlyUsage
	KindPathBuilding
	KindBroadcastSchedule
	KindBroadcastDate
	KindBroadcastMeterList
	KindBroadcastRaw
)

var kindNames = map[Kind]string{
	KindUnknown:            "unknown",
	KindAck:                "ack",
	KindUsageRequest:       "request",
	KindHourlyUsage:        "hourly",
	KindPathBuilding:       "path",
	KindBroadcastSchedule:  "schedule",
	KindBroadcastDate:      "date",
	KindBroadcastMeterList: "meterlist",
	KindBroadcastRaw:       "broadcast",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return KindUnknown, errors.Errorf("invalid message type: %q", name)
}

// Message is a dissected frame. Every concrete type is a value type and is
// never modified after Dissect returns it.
type Message interface {
	fmt.Stringer
	csv.Recorder
	Kind() Kind
	MsgType() string
	MeterID() MeterID
	Common() Header
}

// A LogMessage associates a message with its arrival time and channel.
type LogMessage struct {
	Time    time.Time `xml:",attr"`
	Channel int       `xml:",attr"`
	Type    string    `xml:",attr"`
	Message
}

func NewLogMessage(t time.Time, channel int, msg Message) LogMessage {
	return LogMessage{t, channel, msg.MsgType(), msg}
}

func (msg LogMessage) String() string {
	return fmt.Sprintf("{Time:%s Channel:%d %s:%s}",
		msg.Time.Format(TimeFormat), msg.Channel, msg.MsgType(), msg.Message,
	)
}

func (msg LogMessage) StringNoChannel() string {
	return fmt.Sprintf("{Time:%s %s:%s}", msg.Time.Format(TimeFormat), msg.MsgType(), msg.Message)
}

func (msg LogMessage) Record() (r []string) {
	r = append(r, msg.Time.Format(time.RFC3339Nano))
	r = append(r, strconv.Itoa(msg.Channel))
	r = append(r, msg.MsgType())
	r = append(r, msg.Message.Record()...)
	return r
}

type FilterChain []MessageFilter

func (fc *FilterChain) Add(filter MessageFilter) {
	*fc = append(*fc, filter)
}

func (fc FilterChain) Match(msg Message) bool {
	if len(fc) == 0 {
		return true
	}

	for _, filter := range fc {
		if !filter.Filter(msg) {
			return false
		}
	}

	return true
}

type MessageFilter interface {
	Filter(Message) bool
}
