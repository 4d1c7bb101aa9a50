// Package transform implements the ordered, immutable, regex-driven field
// and body mutations applied to a message after the filter engine selects
// it for forwarding.
package transform

import (
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
)

// Field names recognized by RemoveFields / SetFields, per spec §3.
const (
	FieldHostname       = "hostname"
	FieldAppName        = "app_name"
	FieldProcID         = "proc_id"
	FieldMsgID          = "msg_id"
	FieldStructuredData = "structured_data"
	FieldFacility       = "facility"
	FieldSeverity       = "severity"
)

// Replace is a single pattern/replacement regex substitution.
type Replace struct {
	Pattern     string
	Replacement string
}

// Descriptor is the declarative recipe for one named transform.
type Descriptor struct {
	Name           string
	MatchPattern   string
	RemoveFields   []string
	SetFields      map[string]string
	MessageReplace *Replace
	MaskPatterns   []Replace
	MessagePrefix  string
	MessageSuffix  string
}

type compiledReplace struct {
	re          *regexp.Regexp
	replacement string
}

type compiledTransform struct {
	Descriptor
	matchRe        *regexp.Regexp
	messageReplace *compiledReplace
	maskPatterns   []compiledReplace
}

// Engine holds the compiled, ordered set of configured transforms. Engine
// is a pure function of its compiled state plus the message it is given;
// Reload swaps that state atomically.
type Engine struct {
	state atomic.Pointer[engineState]
}

type engineState struct {
	order  []string
	byName map[string]compiledTransform
}

// New compiles descriptors in declared order and returns a ready Engine.
func New(descriptors []Descriptor) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(descriptors); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles a new transform set and atomically swaps it in.
func (e *Engine) Reload(descriptors []Descriptor) error {
	st := &engineState{
		order:  make([]string, 0, len(descriptors)),
		byName: make(map[string]compiledTransform, len(descriptors)),
	}
	for _, d := range descriptors {
		ct := compiledTransform{Descriptor: d}
		if d.MatchPattern != "" {
			re, err := regexp.Compile(d.MatchPattern)
			if err != nil {
				return err
			}
			ct.matchRe = re
		}
		if d.MessageReplace != nil {
			re, err := regexp.Compile(d.MessageReplace.Pattern)
			if err != nil {
				return err
			}
			ct.messageReplace = &compiledReplace{re: re, replacement: d.MessageReplace.Replacement}
		}
		for _, mp := range d.MaskPatterns {
			re, err := regexp.Compile(mp.Pattern)
			if err != nil {
				return err
			}
			ct.maskPatterns = append(ct.maskPatterns, compiledReplace{re: re, replacement: mp.Replacement})
		}
		st.order = append(st.order, d.Name)
		st.byName[d.Name] = ct
	}
	e.state.Store(st)
	return nil
}

// Apply runs the named transforms, in the order given, against msg and
// returns a new Message; msg itself is never mutated. If names is nil, all
// configured transforms run in declared order. A name with no matching
// configured transform is silently skipped.
func (e *Engine) Apply(msg syslogmsg.Message, names []string) syslogmsg.Message {
	st := e.state.Load()
	if st == nil {
		return msg
	}

	order := names
	if order == nil {
		order = st.order
	}

	working := msg
	for _, name := range order {
		ct, ok := st.byName[name]
		if !ok {
			continue
		}
		working = ct.apply(working)
	}
	return working
}

// apply runs one transform's fixed sub-order of operations against the
// current working message, gating on matchRe against the message body as
// it stands *at this point in the pipeline* (not the original message).
func (ct compiledTransform) apply(msg syslogmsg.Message) syslogmsg.Message {
	if ct.matchRe != nil && !ct.matchRe.MatchString(msg.Message) {
		return msg
	}

	out := msg.Clone()

	for _, f := range ct.RemoveFields {
		switch f {
		case FieldHostname:
			out.Hostname = nil
		case FieldAppName:
			out.AppName = nil
		case FieldProcID:
			out.ProcID = nil
		case FieldMsgID:
			out.MsgID = nil
		case FieldStructuredData:
			out.StructuredData = nil
		}
	}

	for k, v := range ct.SetFields {
		switch k {
		case FieldHostname:
			vv := v
			out.Hostname = &vv
		case FieldAppName:
			vv := v
			out.AppName = &vv
		case FieldProcID:
			vv := v
			out.ProcID = &vv
		case FieldMsgID:
			vv := v
			out.MsgID = &vv
		case FieldStructuredData:
			vv := v
			out.StructuredData = &vv
		case FieldFacility:
			if n, err := strconv.Atoi(v); err == nil {
				out.Facility = n
			}
		case FieldSeverity:
			if n, err := strconv.Atoi(v); err == nil {
				out.Severity = n
			}
		}
		// Unrecognized field names are ignored, matching reference behavior.
	}

	if ct.messageReplace != nil {
		out.Message = ct.messageReplace.re.ReplaceAllString(out.Message, ct.messageReplace.replacement)
	}

	for _, mp := range ct.maskPatterns {
		out.Message = mp.re.ReplaceAllString(out.Message, mp.replacement)
	}

	if ct.MessagePrefix != "" {
		out.Message = ct.MessagePrefix + out.Message
	}
	if ct.MessageSuffix != "" {
		out.Message = out.Message + ct.MessageSuffix
	}

	return out
}
