// Package syslogmsg defines the structured message record produced by the
// parser and consumed by the filter engine, transformer, and output
// forwarders.
package syslogmsg

import "time"

// Format tags how a Message was decoded, so AUTO-format outputs can
// round-trip the wire shape they arrived in.
type Format int

const (
	FormatUnknown Format = iota
	FormatRFC3164
	FormatRFC5424
)

func (f Format) String() string {
	switch f {
	case FormatRFC3164:
		return "rfc3164"
	case FormatRFC5424:
		return "rfc5424"
	default:
		return "unknown"
	}
}

// Message is the immutable value that flows from a listener through the
// filter engine and transformer to an output forwarder. Every field that is
// optional on the wire is a pointer so that "absent" and "present but
// empty" remain distinguishable, per spec.
type Message struct {
	Facility int
	Severity int

	Timestamp *time.Time

	Hostname       *string
	AppName        *string
	ProcID         *string
	MsgID          *string
	StructuredData *string

	Message string

	Raw []byte

	Format Format
}

// Priority returns facility*8 + severity, which the parser guarantees lies
// in [0, 191].
func (m Message) Priority() int {
	return m.Facility*8 + m.Severity
}

var facilityNames = [...]string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "security", "console", "solaris-cron",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var severityNames = [...]string{
	"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
}

// FacilityName returns the fixed-table name for the message's facility, or
// "unknown" if out of range.
func (m Message) FacilityName() string {
	if m.Facility >= 0 && m.Facility < len(facilityNames) {
		return facilityNames[m.Facility]
	}
	return "unknown"
}

// SeverityName returns the fixed-table name for the message's severity, or
// "unknown" if out of range.
func (m Message) SeverityName() string {
	if m.Severity >= 0 && m.Severity < len(severityNames) {
		return severityNames[m.Severity]
	}
	return "unknown"
}

// Clone returns a deep-enough copy of m suitable as the starting point for a
// transform step: every pointer field is copied into a fresh allocation so
// that mutating the clone can never be observed by holders of m.
func (m Message) Clone() Message {
	out := m
	if m.Timestamp != nil {
		t := *m.Timestamp
		out.Timestamp = &t
	}
	out.Hostname = clonePtr(m.Hostname)
	out.AppName = clonePtr(m.AppName)
	out.ProcID = clonePtr(m.ProcID)
	out.MsgID = clonePtr(m.MsgID)
	out.StructuredData = clonePtr(m.StructuredData)
	return out
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func strPtr(s string) *string { return &s }
