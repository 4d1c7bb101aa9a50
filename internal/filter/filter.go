// Package filter implements the ordered, first-match-wins routing engine
// that decides whether a message is forwarded (and where, with which
// transforms) or dropped.
package filter

import (
	"regexp"
	"sync/atomic"
	"time"

	"github.com/relaylabs/syslog-relay/internal/metrics"
	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
)

// Match is a conjunctive predicate: every non-nil sub-predicate must hold
// for the rule to match. Within Facility/Severity, membership is
// disjunctive (any element of the set).
type Match struct {
	Facility        []int
	Severity        []int
	HostnamePattern string
	MessagePattern  string
}

// Rule is one entry in the ordered routing table.
type Rule struct {
	Name         string
	Match        *Match // nil means catch-all
	Action       Action
	Destinations []string
	Transforms   []string
}

type Action int

const (
	ActionForward Action = iota
	ActionDrop
)

// Result is what Evaluate returns for a single message.
type Result struct {
	Matched      bool
	FilterName   string
	Action       Action
	Destinations []string
	Transforms   []string
}

const noMatchLabel = "none"
const noMatchReason = "no_match"

// compiledRule is a Rule with its regex predicates precompiled.
type compiledRule struct {
	Rule
	hostnameRe  *regexp.Regexp
	messageRe   *regexp.Regexp
	facilitySet map[int]struct{}
	severitySet map[int]struct{}
}

// Engine evaluates an ordered, compiled rule set against messages. It holds
// no other per-message state and is safe for concurrent use; Reload swaps
// its compiled state atomically so that no in-flight Evaluate call ever
// observes a half-replaced rule set.
type Engine struct {
	state atomic.Pointer[[]compiledRule]
}

// New compiles rules and returns a ready Engine.
func New(rules []Rule) (*Engine, error) {
	e := &Engine{}
	if err := e.Reload(rules); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload compiles a new rule set and atomically swaps it in.
func (e *Engine) Reload(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{Rule: r}
		if r.Match != nil {
			if len(r.Match.Facility) > 0 {
				cr.facilitySet = toSet(r.Match.Facility)
			}
			if len(r.Match.Severity) > 0 {
				cr.severitySet = toSet(r.Match.Severity)
			}
			if r.Match.HostnamePattern != "" {
				re, err := regexp.Compile(r.Match.HostnamePattern)
				if err != nil {
					return err
				}
				cr.hostnameRe = re
			}
			if r.Match.MessagePattern != "" {
				re, err := regexp.Compile(r.Match.MessagePattern)
				if err != nil {
					return err
				}
				cr.messageRe = re
			}
		}
		compiled = append(compiled, cr)
	}
	e.state.Store(&compiled)
	return nil
}

func toSet(vals []int) map[int]struct{} {
	s := make(map[int]struct{}, len(vals))
	for _, v := range vals {
		s[v] = struct{}{}
	}
	return s
}

// Evaluate returns the first-match-wins routing decision for msg, recording
// the winning filter's name (or "none") against the processing-latency
// histogram.
func (e *Engine) Evaluate(msg syslogmsg.Message) Result {
	start := time.Now()
	rules := e.state.Load()

	var result Result
	label := noMatchLabel
	if rules != nil {
		for _, cr := range *rules {
			if cr.matches(msg) {
				label = cr.Name
				result = Result{
					Matched:      true,
					FilterName:   cr.Name,
					Action:       cr.Action,
					Destinations: cr.Destinations,
					Transforms:   cr.Transforms,
				}
				metrics.ProcessingLatency(label, time.Since(start))
				if cr.Action == ActionDrop {
					metrics.MessagesDropped("filter:" + cr.Name)
				}
				return result
			}
		}
	}

	metrics.ProcessingLatency(label, time.Since(start))
	metrics.MessagesDropped(noMatchReason)
	return Result{Matched: false, Action: ActionDrop}
}

func (cr compiledRule) matches(msg syslogmsg.Message) bool {
	if cr.Match == nil {
		return true
	}
	if cr.facilitySet != nil {
		if _, ok := cr.facilitySet[msg.Facility]; !ok {
			return false
		}
	}
	if cr.severitySet != nil {
		if _, ok := cr.severitySet[msg.Severity]; !ok {
			return false
		}
	}
	if cr.hostnameRe != nil {
		if msg.Hostname == nil {
			return false
		}
		if !cr.hostnameRe.MatchString(*msg.Hostname) {
			return false
		}
	}
	if cr.messageRe != nil {
		if !cr.messageRe.MatchString(msg.Message) {
			return false
		}
	}
	return true
}
