package syslogmsg

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseError is returned by Parse when the input could not be decoded. It
// carries enough of the original bytes for diagnostics without retaining
// the whole message.
type ParseError struct {
	Kind   ParseErrorKind
	Sample []byte
}

type ParseErrorKind int

const (
	ErrKindInvalidPriority ParseErrorKind = iota
	ErrKindUnparseable
)

func (e *ParseError) Error() string {
	switch e.Kind {
	case ErrKindInvalidPriority:
		return fmt.Sprintf("syslogmsg: invalid priority in %q", string(e.Sample))
	default:
		return fmt.Sprintf("syslogmsg: unparseable message %q", string(e.Sample))
	}
}

var (
	// ErrNoPRI means the input does not start with a bracketed priority.
	ErrNoPRI = errors.New("syslogmsg: missing <PRI>")
)

const maxSampleBytes = 100

func sample(b []byte) []byte {
	if len(b) > maxSampleBytes {
		return b[:maxSampleBytes]
	}
	return b
}

var monthAbbrev = map[string]time.Month{
	"Jan": time.January, "Feb": time.February, "Mar": time.March,
	"Apr": time.April, "May": time.May, "Jun": time.June,
	"Jul": time.July, "Aug": time.August, "Sep": time.September,
	"Oct": time.October, "Nov": time.November, "Dec": time.December,
}

// rfc5424Re captures: PRI VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID SD MSG
// SD is "-" or a (non-nested) bracketed blob, matching the reference's
// simplified handling of structured data.
var rfc5424Re = regexp.MustCompile(
	`^<(\d{1,3})>1 (\S+) (\S+) (\S+) (\S+) (\S+) (-|\[.*?\])(?: (.*))?$`,
)

// rfc3164Re captures: PRI MMM D[D] HH:MM:SS HOSTNAME REST
var rfc3164Re = regexp.MustCompile(
	`^<(\d{1,3})>([A-Z][a-z]{2})\s+(\d{1,2}) (\d{2}):(\d{2}):(\d{2}) (\S+) (.*)$`,
)

// rfc3164RestRe splits REST into app_name[PID]: message.
var rfc3164RestRe = regexp.MustCompile(`^(\S+?)(?:\[(\d+)\])?:\s*(.*)$`)

var priOnlyRe = regexp.MustCompile(`^<(\d{1,3})>(.*)$`)

// Parse decodes raw syslog bytes into a Message, trying RFC 5424, then
// RFC 3164, then a PRI-only fallback, first success wins. Parse is a pure,
// stateless function.
func Parse(raw []byte) (Message, error) {
	b := bytes_TrimCRLF(raw)

	if m, ok, err := parsePRI(b); err != nil {
		return Message{}, err
	} else if !ok {
		// no leading <PRI> at all: not parseable by any supported format.
		return Message{}, &ParseError{Kind: ErrKindUnparseable, Sample: sample(raw)}
	} else {
		_ = m
	}

	if m, ok, err := tryRFC5424(b, raw); err != nil {
		return Message{}, err
	} else if ok {
		return m, nil
	}

	if m, ok, err := tryRFC3164(b, raw); err != nil {
		return Message{}, err
	} else if ok {
		return m, nil
	}

	if m, ok, err := tryFallback(b, raw); err != nil {
		return Message{}, err
	} else if ok {
		return m, nil
	}

	return Message{}, &ParseError{Kind: ErrKindUnparseable, Sample: sample(raw)}
}

func bytes_TrimCRLF(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// parsePRI validates that b begins with a bracketed priority in [0,191] and
// reports whether a <PRI> prefix is present at all (ok=false means none of
// the three formats can apply).
func parsePRI(b []byte) (pri int, ok bool, err error) {
	m := priOnlyRe.FindSubmatch(b)
	if m == nil {
		return 0, false, nil
	}
	n, convErr := strconv.Atoi(string(m[1]))
	if convErr != nil || n < 0 || n > 191 {
		return 0, true, &ParseError{Kind: ErrKindInvalidPriority, Sample: sample(b)}
	}
	return n, true, nil
}

func tryRFC5424(b, raw []byte) (Message, bool, error) {
	m := rfc5424Re.FindSubmatch(b)
	if m == nil {
		return Message{}, false, nil
	}
	pri, err := strconv.Atoi(string(m[1]))
	if err != nil || pri < 0 || pri > 191 {
		return Message{}, false, &ParseError{Kind: ErrKindInvalidPriority, Sample: sample(b)}
	}

	msg := Message{
		Facility: pri / 8,
		Severity: pri % 8,
		Raw:      raw,
		Format:   FormatRFC5424,
	}

	if ts := nilIfDash(string(m[2])); ts != nil {
		if t, ok := parseRFC5424Timestamp(*ts); ok {
			msg.Timestamp = &t
		}
	}
	msg.Hostname = nilIfDash(string(m[3]))
	msg.AppName = nilIfDash(string(m[4]))
	msg.ProcID = nilIfDash(string(m[5]))
	msg.MsgID = nilIfDash(string(m[6]))
	msg.StructuredData = nilIfDash(string(m[7]))
	if len(m) > 8 {
		msg.Message = string(m[8])
	}
	return msg, true, nil
}

func parseRFC5424Timestamp(s string) (time.Time, bool) {
	norm := s
	if strings.HasSuffix(norm, "Z") {
		norm = strings.TrimSuffix(norm, "Z") + "+00:00"
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02T15:04:05-07:00",
	} {
		if t, err := time.Parse(layout, norm); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func nilIfDash(s string) *string {
	if s == "-" {
		return nil
	}
	v := s
	return &v
}

func tryRFC3164(b, raw []byte) (Message, bool, error) {
	m := rfc3164Re.FindSubmatch(b)
	if m == nil {
		return Message{}, false, nil
	}
	pri, err := strconv.Atoi(string(m[1]))
	if err != nil || pri < 0 || pri > 191 {
		return Message{}, false, &ParseError{Kind: ErrKindInvalidPriority, Sample: sample(b)}
	}

	month, ok := monthAbbrev[string(m[2])]
	if !ok {
		return Message{}, false, nil
	}
	day, _ := strconv.Atoi(string(m[3]))
	hour, _ := strconv.Atoi(string(m[4]))
	minute, _ := strconv.Atoi(string(m[5]))
	second, _ := strconv.Atoi(string(m[6]))

	now := time.Now()
	ts := time.Date(now.Year(), month, day, hour, minute, second, 0, now.Location())

	msg := Message{
		Facility:  pri / 8,
		Severity:  pri % 8,
		Timestamp: &ts,
		Hostname:  strPtr(string(m[7])),
		Raw:       raw,
		Format:    FormatRFC3164,
	}

	rest := m[8]
	if sub := rfc3164RestRe.FindSubmatch(rest); sub != nil {
		msg.AppName = strPtr(string(sub[1]))
		if len(sub[2]) > 0 {
			msg.ProcID = strPtr(string(sub[2]))
		}
		msg.Message = string(sub[3])
	} else {
		msg.Message = string(rest)
	}
	return msg, true, nil
}

func tryFallback(b, raw []byte) (Message, bool, error) {
	m := priOnlyRe.FindSubmatch(b)
	if m == nil {
		return Message{}, false, nil
	}
	pri, err := strconv.Atoi(string(m[1]))
	if err != nil || pri < 0 || pri > 191 {
		return Message{}, false, &ParseError{Kind: ErrKindInvalidPriority, Sample: sample(b)}
	}
	now := time.Now()
	return Message{
		Facility:  pri / 8,
		Severity:  pri % 8,
		Timestamp: &now,
		Message:   string(m[2]),
		Raw:       raw,
		Format:    FormatUnknown,
	}, true, nil
}
