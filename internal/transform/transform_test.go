package transform

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
)

func strPtr(s string) *string { return &s }

func TestApplyRemoveFields(t *testing.T) {
	e, err := New([]Descriptor{
		{Name: "strip-proc", RemoveFields: []string{FieldProcID, FieldHostname}},
	})
	require.NoError(t, err)

	in := syslogmsg.Message{Hostname: strPtr("h"), ProcID: strPtr("123"), Message: "hi"}
	out := e.Apply(in, []string{"strip-proc"})
	require.Nil(t, out.ProcID)
	require.Nil(t, out.Hostname)
	require.Equal(t, "123", *in.ProcID, "original message must not be mutated")
}

func TestApplySetFields(t *testing.T) {
	e, err := New([]Descriptor{
		{Name: "relabel", SetFields: map[string]string{
			FieldAppName:  "relay",
			FieldFacility: "4",
			FieldSeverity: "2",
		}},
	})
	require.NoError(t, err)

	out := e.Apply(syslogmsg.Message{Facility: 1, Severity: 6}, []string{"relabel"})
	require.Equal(t, "relay", *out.AppName)
	require.Equal(t, 4, out.Facility)
	require.Equal(t, 2, out.Severity)
}

func TestApplyMessageReplaceAndMaskOrder(t *testing.T) {
	e, err := New([]Descriptor{
		{
			Name:           "scrub",
			MessageReplace: &Replace{Pattern: `password=\S+`, Replacement: "password=***"},
			MaskPatterns: []Replace{
				{Pattern: `\d{3}-\d{2}-\d{4}`, Replacement: "[SSN]"},
			},
			MessagePrefix: ">> ",
			MessageSuffix: " <<",
		},
	})
	require.NoError(t, err)

	in := syslogmsg.Message{Message: "login password=hunter2 ssn=123-45-6789"}
	out := e.Apply(in, []string{"scrub"})
	require.Equal(t, ">> login password=*** ssn=[SSN] <<", out.Message)
}

func TestApplyMatchPatternGatesOnCurrentBody(t *testing.T) {
	e, err := New([]Descriptor{
		{Name: "add-marker", MessagePrefix: "MARK:"},
		{Name: "only-if-marked", MatchPattern: `^MARK:`, MessageSuffix: "!"},
	})
	require.NoError(t, err)

	out := e.Apply(syslogmsg.Message{Message: "hello"}, []string{"add-marker", "only-if-marked"})
	require.Equal(t, "MARK:hello!", out.Message)

	out2 := e.Apply(syslogmsg.Message{Message: "hello"}, []string{"only-if-marked", "add-marker"})
	require.Equal(t, "MARK:hello", out2.Message)
}

func TestApplyUnknownTransformNameSkipped(t *testing.T) {
	e, err := New([]Descriptor{
		{Name: "known", MessageSuffix: "!"},
	})
	require.NoError(t, err)

	out := e.Apply(syslogmsg.Message{Message: "hi"}, []string{"known", "ghost"})
	require.Equal(t, "hi!", out.Message)
}

func TestApplyNilNamesUsesDeclaredOrder(t *testing.T) {
	e, err := New([]Descriptor{
		{Name: "a", MessagePrefix: "A"},
		{Name: "b", MessagePrefix: "B"},
	})
	require.NoError(t, err)

	out := e.Apply(syslogmsg.Message{Message: "x"}, nil)
	require.Equal(t, "BAx", out.Message)
}

func TestReloadSwapsState(t *testing.T) {
	e, err := New([]Descriptor{{Name: "t", MessageSuffix: "-v1"}})
	require.NoError(t, err)
	require.Equal(t, "x-v1", e.Apply(syslogmsg.Message{Message: "x"}, []string{"t"}).Message)

	require.NoError(t, e.Reload([]Descriptor{{Name: "t", MessageSuffix: "-v2"}}))
	require.Equal(t, "x-v2", e.Apply(syslogmsg.Message{Message: "x"}, []string{"t"}).Message)
}
