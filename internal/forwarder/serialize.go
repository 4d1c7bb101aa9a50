package forwarder

import (
	"fmt"
	"time"

	"github.com/crewjam/rfc5424"

	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
)

// Format selects the wire rendering used by Serialize.
type Format int

const (
	FormatAuto Format = iota
	FormatRFC3164
	FormatRFC5424
)

const rfc3164TimeLayout = "Jan _2 15:04:05"

// Serialize renders msg per format, per spec §4.5. FormatAuto renders using
// whichever wire shape the parser originally recorded on msg.
func Serialize(msg syslogmsg.Message, format Format) []byte {
	resolved := format
	if resolved == FormatAuto {
		switch msg.Format {
		case syslogmsg.FormatRFC5424:
			resolved = FormatRFC5424
		default:
			resolved = FormatRFC3164
		}
	}
	if resolved == FormatRFC5424 {
		return serializeRFC5424(msg)
	}
	return serializeRFC3164(msg)
}

// serializeRFC5424 renders msg via crewjam/rfc5424's Message.MarshalBinary,
// the same encode path the teacher's ingest/log package uses
// (GenRFCMessage). That library models structured data as typed SDParams,
// not the opaque pre-rendered string this relay carries on
// Message.StructuredData, so a message carrying structured data falls back
// to the hand-rolled renderer below rather than lossily reshaping it.
func serializeRFC5424(msg syslogmsg.Message) []byte {
	if msg.Timestamp == nil || msg.StructuredData != nil {
		return serializeRFC5424Fallback(msg)
	}
	m := rfc5424.Message{
		Priority:  rfc5424.Priority(msg.Priority()),
		Timestamp: *msg.Timestamp,
		Hostname:  dashIfNil(msg.Hostname),
		AppName:   dashIfNil(msg.AppName),
		ProcID:    dashIfNil(msg.ProcID),
		MessageID: dashIfNil(msg.MsgID),
		Message:   []byte(msg.Message),
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return serializeRFC5424Fallback(msg)
	}
	return b
}

func serializeRFC5424Fallback(msg syslogmsg.Message) []byte {
	ts := "-"
	if msg.Timestamp != nil {
		ts = msg.Timestamp.Format(time.RFC3339Nano)
	}
	return []byte(fmt.Sprintf("<%d>1 %s %s %s %s %s %s %s",
		msg.Priority(), ts,
		dashIfNil(msg.Hostname), dashIfNil(msg.AppName), dashIfNil(msg.ProcID),
		dashIfNil(msg.MsgID), dashIfNil(msg.StructuredData), msg.Message))
}

func serializeRFC3164(msg syslogmsg.Message) []byte {
	ts := "-"
	if msg.Timestamp != nil {
		ts = msg.Timestamp.Format(rfc3164TimeLayout)
	}
	tag := "-"
	if msg.AppName != nil {
		tag = *msg.AppName
	}
	if msg.ProcID != nil {
		tag = fmt.Sprintf("%s[%s]", tag, *msg.ProcID)
	}
	hostname := dashIfNil(msg.Hostname)
	return []byte(fmt.Sprintf("<%d>%s %s %s: %s", msg.Priority(), ts, hostname, tag, msg.Message))
}

func dashIfNil(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
