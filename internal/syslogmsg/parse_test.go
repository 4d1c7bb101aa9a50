package syslogmsg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseRFC5424(t *testing.T) {
	raw := []byte(`<165>1 2023-01-15T10:30:00.123456-05:00 myhost myapp 1234 ID47 - message body`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, FormatRFC5424, msg.Format)
	require.Equal(t, 20, msg.Facility)
	require.Equal(t, 5, msg.Severity)
	require.Equal(t, 165, msg.Priority())
	require.NotNil(t, msg.Hostname)
	require.Equal(t, "myhost", *msg.Hostname)
	require.Equal(t, "myapp", *msg.AppName)
	require.Equal(t, "1234", *msg.ProcID)
	require.Equal(t, "ID47", *msg.MsgID)
	require.Nil(t, msg.StructuredData)
	require.Equal(t, "message body", msg.Message)
	require.NotNil(t, msg.Timestamp)
}

func TestParseRFC5424NilValues(t *testing.T) {
	raw := []byte(`<14>1 - - - - - - hi`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Nil(t, msg.Hostname)
	require.Nil(t, msg.AppName)
	require.Nil(t, msg.ProcID)
	require.Nil(t, msg.MsgID)
	require.Nil(t, msg.StructuredData)
	require.Nil(t, msg.Timestamp)
	require.Equal(t, "hi", msg.Message)
}

func TestParseRFC5424ZuluTimestamp(t *testing.T) {
	raw := []byte(`<14>1 2023-01-15T10:30:00Z host app - - - hi`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, msg.Timestamp)
	require.Equal(t, 2023, msg.Timestamp.Year())
}

func TestParseRFC3164(t *testing.T) {
	raw := []byte(`<34>Oct 11 22:14:15 mymachine su[123]: 'su root' failed for lonvick`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, FormatRFC3164, msg.Format)
	require.Equal(t, 4, msg.Facility)
	require.Equal(t, 2, msg.Severity)
	require.Equal(t, "mymachine", *msg.Hostname)
	require.Equal(t, "su", *msg.AppName)
	require.Equal(t, "123", *msg.ProcID)
	require.Equal(t, "'su root' failed for lonvick", msg.Message)
}

func TestParseRFC3164SingleDigitDay(t *testing.T) {
	raw := []byte(`<34>Oct  1 22:14:15 mymachine su: test`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, time.October, msg.Timestamp.Month())
	require.Equal(t, 1, msg.Timestamp.Day())
}

func TestParseRFC3164NoProcID(t *testing.T) {
	raw := []byte(`<13>Jan  5 10:00:00 host app: plain message`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "app", *msg.AppName)
	require.Nil(t, msg.ProcID)
	require.Equal(t, "plain message", msg.Message)
}

func TestParsePRIOnlyFallback(t *testing.T) {
	raw := []byte(`<14>just a message with no recognizable header`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, FormatUnknown, msg.Format)
	require.Equal(t, 1, msg.Facility)
	require.Equal(t, 6, msg.Severity)
	require.Equal(t, "just a message with no recognizable header", msg.Message)
	require.NotNil(t, msg.Timestamp)
}

func TestParseInvalidPriorityOutOfRange(t *testing.T) {
	raw := []byte(`<200>hello`)
	_, err := Parse(raw)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ErrKindInvalidPriority, pe.Kind)
}

func TestParseNoPRIAtAll(t *testing.T) {
	raw := []byte(`hello world, no priority here`)
	_, err := Parse(raw)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ErrKindUnparseable, pe.Kind)
}

func TestParseTrimsTrailingCRLF(t *testing.T) {
	raw := []byte("<14>1 - - - - - - trailing\r\n")
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "trailing", msg.Message)
}

func TestFacilityAndSeverityNames(t *testing.T) {
	m := Message{Facility: 4, Severity: 2}
	require.Equal(t, "auth", m.FacilityName())
	require.Equal(t, "crit", m.SeverityName())

	out := Message{Facility: 99, Severity: 99}
	require.Equal(t, "unknown", out.FacilityName())
	require.Equal(t, "unknown", out.SeverityName())
}

func TestCloneIsIndependent(t *testing.T) {
	h := "host"
	m := Message{Hostname: &h}
	c := m.Clone()
	*c.Hostname = "changed"
	require.Equal(t, "host", *m.Hostname)
	require.Equal(t, "changed", *c.Hostname)
}
