package parse

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

const (
	HeaderLength = 16

	// Smallest declared length of a flood broadcast.
	broadcastMinLength = 35

	floodEnd       = 29
	pathEnd        = 24
	commandMarker  = 0x40
	commandEnd     = 32
	uplinkOverhead = 17
	hourlyEnd      = 27
	pathRecordEnd  = 58

	// Payload length of a PathBuilding command carrying a trailing date.
	pathDatedLength = 0x20
)

// Broadcast sub-payload selectors.
const (
	subSchedule  = 0x00
	subDate      = 0x06
	subMeterList = 0x27
)

// Dissect interprets a validated frame, checksum excluded. It never fails:
// frames, or parts of frames, without a recognized shape yield Unknown.
func Dissect(data []byte) Message {
	var buf [HeaderLength]byte
	copy(buf[:], data)
	h := parseHeader(buf[:])

	if len(data) < HeaderLength {
		return Unknown{Header: h, Payload: clone(data), Truncated: true}
	}

	switch {
	case h.IsBroadcast():
		return dissectBroadcast(h, data)
	case h.Src.IsCoordinator():
		return dissectCoordinator(h, data)
	}
	return dissectUplink(h, data)
}

func parseHeader(b []byte) (h Header) {
	h.Length = b[0]
	h.Flags = b[1]
	h.Src = MeterID(binary.BigEndian.Uint32(b[2:6]))
	h.Dst = MeterID(binary.BigEndian.Uint32(b[6:10]))
	copy(h.Unknown[:], b[10:13])
	copy(h.Stamp[:], b[13:16])
	return
}

func clone(b []byte) Bytes {
	if len(b) == 0 {
		return nil
	}
	c := make(Bytes, len(b))
	copy(c, b)
	return c
}

func dissectBroadcast(h Header, data []byte) Message {
	if len(data) < floodEnd {
		return Unknown{Header: h, Payload: clone(data[HeaderLength:]), Truncated: true}
	}

	var f Flood
	copy(f.Unknown1[:], data[16:18])
	f.Hop = data[18]
	f.Unknown2 = data[19]
	f.Addr = binary.BigEndian.Uint32(data[20:24])
	f.Unknown3 = binary.BigEndian.Uint32(data[24:28])
	f.SubLength = data[28]

	switch f.SubLength {
	case subSchedule:
		if len(data) >= 35 {
			return BroadcastSchedule{
				Header:   h,
				Flood:    f,
				Prefix:   clone(data[29:33]),
				Unknown2: data[33],
				DayCount: data[34],
				Days:     clone(data[35:]),
			}
		}
	case subDate:
		if len(data) >= 35 {
			return BroadcastDate{
				Header: h,
				Flood:  f,
				Prefix: clone(data[29:33]),
				Date:   ParseDate(data[33:35]),
			}
		}
	case subMeterList:
		if len(data) >= 33+5*MeterListEntries {
			msg := BroadcastMeterList{Header: h, Flood: f, Prefix: clone(data[29:33])}
			for idx := range msg.Entries {
				offset := 33 + 5*idx
				msg.Entries[idx].ID = MeterID(binary.BigEndian.Uint32(data[offset : offset+4]))
				msg.Entries[idx].Value = data[offset+4]
			}
			return msg
		}
	default:
		return BroadcastRaw{Header: h, Flood: f, Payload: clone(data[floodEnd:])}
	}

	return BroadcastRaw{Header: h, Flood: f, Payload: clone(data[floodEnd:]), Truncated: true}
}

func dissectCoordinator(h Header, data []byte) Message {
	if len(data) < pathEnd {
		return Unknown{Header: h, Payload: clone(data[HeaderLength:]), Truncated: true}
	}

	var path Path
	copy(path[:], data[HeaderLength:pathEnd])

	if len(data) == pathEnd {
		return Unknown{Header: h, Path: &path, Truncated: true}
	}
	if data[pathEnd] != commandMarker {
		return Unknown{Header: h, Path: &path, Payload: clone(data[pathEnd:])}
	}
	if len(data) < commandEnd {
		return Unknown{Header: h, Path: &path, Payload: clone(data[pathEnd:]), Truncated: true}
	}

	marker := clone(data[pathEnd:28])
	cmd := newCommand(data[28:commandEnd])

	switch cmd.Code {
	case CmdHourly:
		if len(data) >= 35 {
			return UsageRequest{
				Header:    h,
				Path:      path,
				Marker:    marker,
				Command:   cmd,
				Unknown2:  data[32],
				FirstHour: binary.BigEndian.Uint16(data[33:35]),
			}
		}
	case CmdPath:
		if len(data) >= pathRecordEnd {
			return dissectPathBuilding(h, path, marker, cmd, data)
		}
	case CmdAck:
		return Ack{Header: h, Path: &path, Command: cmd, Payload: clone(data[commandEnd:])}
	default:
		return Unknown{Header: h, Path: &path, Command: &cmd, Payload: clone(data[commandEnd:])}
	}

	return Unknown{Header: h, Path: &path, Command: &cmd, Payload: clone(data[commandEnd:]), Truncated: true}
}

func dissectPathBuilding(h Header, path Path, marker Bytes, cmd Command, data []byte) PathBuilding {
	p := PathBuilding{
		Header:   h,
		Path:     path,
		Marker:   marker,
		Command:  cmd,
		ID:       data[35],
		ParentID: data[36],
		Parent:   MeterID(binary.BigEndian.Uint32(data[37:41])),
		Unknown3: data[41],
		Children: data[42],
		Unknown4: data[43],
		Level:    data[44],
		Unknown6: binary.BigEndian.Uint16(data[51:53]),
		Unknown7: binary.BigEndian.Uint32(data[53:57]),
		Unknown8: data[57],
	}
	copy(p.Unknown2[:], data[32:35])
	copy(p.Unknown5[:], data[45:51])

	if cmd.Length == pathDatedLength && len(data) >= 61 {
		date := ParseDate(data[59:61])
		p.Date = &date
	}

	return p
}

func dissectUplink(h Header, data []byte) Message {
	if len(data) == HeaderLength {
		return Unknown{Header: h}
	}

	// The first payload byte counts the rest of the frame. Frames where it
	// does not are observed from time to time and left undissected.
	if int(data[HeaderLength]) != int(h.Length)-uplinkOverhead {
		return Unknown{Header: h, Payload: clone(data[HeaderLength:]), Anomalous: true}
	}
	if len(data) < 20 {
		return Unknown{Header: h, Payload: clone(data[HeaderLength:]), Truncated: true}
	}

	cmd := newCommand(data[16:20])

	switch cmd.Code {
	case CmdHourly:
		if len(data) >= hourlyEnd {
			return dissectHourly(h, cmd, data)
		}
	case CmdAck, CmdAck2:
		return Ack{Header: h, Command: cmd, Payload: clone(data[20:])}
	default:
		return Unknown{Header: h, Command: &cmd, Payload: clone(data[20:])}
	}

	return Unknown{Header: h, Command: &cmd, Payload: clone(data[20:]), Truncated: true}
}

func dissectHourly(h Header, cmd Command, data []byte) HourlyUsage {
	u := HourlyUsage{
		Header:      h,
		Command:     cmd,
		Unknown2:    data[20],
		UsageFlags:  data[21],
		CurrentHour: binary.BigEndian.Uint16(data[22:24]),
		LastHour:    binary.BigEndian.Uint16(data[24:26]),
		Count:       data[26],
	}

	n := int(u.Count)
	if n > MaxHourlyReadings {
		log.WithFields(log.Fields{"meter": h.Src, "count": n}).Warnf("hourly count clamped to the oldest %d readings", MaxHourlyReadings)
		n = MaxHourlyReadings
	}
	if avail := (len(data) - hourlyEnd) / 2; n > avail {
		log.WithFields(log.Fields{"meter": h.Src, "count": n}).Warnf("hourly count clamped to the oldest %d available readings", avail)
		n = avail
	}

	u.Readings = make([]uint16, n)
	for idx := range u.Readings {
		offset := hourlyEnd + idx*2
		u.Readings[idx] = binary.BigEndian.Uint16(data[offset : offset+2])
	}

	return u
}
