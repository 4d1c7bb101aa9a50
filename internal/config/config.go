// Package config defines the pre-validated configuration record consumed
// by the rest of the relay. Load does a plain YAML unmarshal, with no
// environment interpolation or schema validation, followed by the
// referential-integrity pass in Validate.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaylabs/syslog-relay/internal/filter"
	"github.com/relaylabs/syslog-relay/internal/forwarder"
	"github.com/relaylabs/syslog-relay/internal/transform"
)

// Protocol is the transport an input or destination binds to.
type Protocol string

const (
	ProtocolUDP Protocol = "udp"
	ProtocolTCP Protocol = "tcp"
	ProtocolTLS Protocol = "tls"
)

// WireFormat selects how a destination (or input, for parse hints) renders
// or expects messages.
type WireFormat string

const (
	FormatAuto    WireFormat = "auto"
	FormatRFC3164 WireFormat = "rfc3164"
	FormatRFC5424 WireFormat = "rfc5424"
)

// Input describes one listener.
type Input struct {
	Name     string     `yaml:"name"`
	Protocol Protocol   `yaml:"protocol"`
	Address  string     `yaml:"address"`
	Format   WireFormat `yaml:"format"`
}

// RetryPolicy is a destination's backoff configuration.
type RetryPolicy struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	BackoffSeconds float64 `yaml:"backoff_seconds"`
}

// Destination describes one output.
type Destination struct {
	Name     string      `yaml:"name"`
	Protocol Protocol    `yaml:"protocol"`
	Address  string      `yaml:"address"`
	Format   WireFormat  `yaml:"format"`
	Retry    RetryPolicy `yaml:"retry"`
}

// FilterMatch mirrors filter.Match in its YAML shape.
type FilterMatch struct {
	Facility        []int  `yaml:"facility"`
	Severity        []int  `yaml:"severity"`
	HostnamePattern string `yaml:"hostname_pattern"`
	MessagePattern  string `yaml:"message_pattern"`
}

// FilterRule mirrors filter.Rule in its YAML shape.
type FilterRule struct {
	Name         string       `yaml:"name"`
	Match        *FilterMatch `yaml:"match"`
	Action       string       `yaml:"action"` // "forward" | "drop"
	Destinations []string     `yaml:"destinations"`
	Transforms   []string     `yaml:"transforms"`
}

// ReplacePair mirrors transform.Replace.
type ReplacePair struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// TransformDescriptor mirrors transform.Descriptor in its YAML shape.
type TransformDescriptor struct {
	Name           string            `yaml:"name"`
	MatchPattern   string            `yaml:"match_pattern"`
	RemoveFields   []string          `yaml:"remove_fields"`
	SetFields      map[string]string `yaml:"set_fields"`
	MessageReplace *ReplacePair      `yaml:"message_replace"`
	MaskPatterns   []ReplacePair     `yaml:"mask_patterns"`
	MessagePrefix  string            `yaml:"message_prefix"`
	MessageSuffix  string            `yaml:"message_suffix"`
}

// Metrics configures the metrics/health HTTP surface.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Service is service-wide configuration.
type Service struct {
	Metrics  Metrics `yaml:"metrics"`
	LogLevel string  `yaml:"log_level"`
}

// Config is the fully-validated, read-only configuration record.
type Config struct {
	Inputs       []Input               `yaml:"inputs"`
	Transforms   []TransformDescriptor `yaml:"transforms"`
	Filters      []FilterRule          `yaml:"filters"`
	Destinations []Destination         `yaml:"destinations"`
	Service      Service               `yaml:"service"`
}

// Load reads and unmarshals a YAML config file and validates referential
// integrity. Environment interpolation and full schema validation are an
// external collaborator's concern; this is the minimal reading a caller
// needs to get a Config ready for Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := Validate(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the invariants in spec §3: unique names, referential
// integrity between filters/transforms/destinations, and the
// forward-implies-destinations / drop-implies-no-destinations invariant on
// filter rules.
func Validate(c *Config) error {
	transformNames := make(map[string]struct{}, len(c.Transforms))
	for _, t := range c.Transforms {
		if _, dup := transformNames[t.Name]; dup {
			return fmt.Errorf("config: duplicate transform name %q", t.Name)
		}
		transformNames[t.Name] = struct{}{}
	}

	destNames := make(map[string]struct{}, len(c.Destinations))
	for _, d := range c.Destinations {
		if _, dup := destNames[d.Name]; dup {
			return fmt.Errorf("config: duplicate destination name %q", d.Name)
		}
		destNames[d.Name] = struct{}{}
		if d.Protocol == ProtocolTLS {
			return fmt.Errorf("config: destination %q: %w", d.Name, forwarder.ErrUnsupported)
		}
		if d.Retry.MaxAttempts < 1 || d.Retry.MaxAttempts > 10 {
			return fmt.Errorf("config: destination %q: max_attempts out of range [1,10]", d.Name)
		}
		if d.Retry.BackoffSeconds < 0.1 || d.Retry.BackoffSeconds > 60 {
			return fmt.Errorf("config: destination %q: backoff_seconds out of range [0.1,60]", d.Name)
		}
	}

	filterNames := make(map[string]struct{}, len(c.Filters))
	for _, f := range c.Filters {
		if _, dup := filterNames[f.Name]; dup {
			return fmt.Errorf("config: duplicate filter name %q", f.Name)
		}
		filterNames[f.Name] = struct{}{}

		switch f.Action {
		case "forward":
			if len(f.Destinations) == 0 {
				return fmt.Errorf("config: filter %q: action=forward requires destinations", f.Name)
			}
		case "drop":
			if len(f.Destinations) != 0 {
				return fmt.Errorf("config: filter %q: action=drop forbids destinations", f.Name)
			}
		default:
			return fmt.Errorf("config: filter %q: unknown action %q", f.Name, f.Action)
		}

		for _, dn := range f.Destinations {
			if _, ok := destNames[dn]; !ok {
				return fmt.Errorf("config: filter %q references unknown destination %q", f.Name, dn)
			}
		}
		for _, tn := range f.Transforms {
			if _, ok := transformNames[tn]; !ok {
				return fmt.Errorf("config: filter %q references unknown transform %q", f.Name, tn)
			}
		}
	}

	for _, in := range c.Inputs {
		if in.Protocol == ProtocolTLS {
			return fmt.Errorf("config: input %q: %w", in.Name, forwarder.ErrUnsupported)
		}
	}

	return nil
}

// FilterRules converts the config's declarative filter rules into
// filter.Rule values.
func FilterRules(c *Config) []filter.Rule {
	rules := make([]filter.Rule, 0, len(c.Filters))
	for _, f := range c.Filters {
		r := filter.Rule{
			Name:         f.Name,
			Destinations: f.Destinations,
			Transforms:   f.Transforms,
		}
		if f.Action == "drop" {
			r.Action = filter.ActionDrop
		} else {
			r.Action = filter.ActionForward
		}
		if f.Match != nil {
			r.Match = &filter.Match{
				Facility:        f.Match.Facility,
				Severity:        f.Match.Severity,
				HostnamePattern: f.Match.HostnamePattern,
				MessagePattern:  f.Match.MessagePattern,
			}
		}
		rules = append(rules, r)
	}
	return rules
}

// TransformDescriptors converts the config's declarative transforms into
// transform.Descriptor values.
func TransformDescriptors(c *Config) []transform.Descriptor {
	out := make([]transform.Descriptor, 0, len(c.Transforms))
	for _, t := range c.Transforms {
		d := transform.Descriptor{
			Name:          t.Name,
			MatchPattern:  t.MatchPattern,
			RemoveFields:  t.RemoveFields,
			SetFields:     t.SetFields,
			MessagePrefix: t.MessagePrefix,
			MessageSuffix: t.MessageSuffix,
		}
		if t.MessageReplace != nil {
			d.MessageReplace = &transform.Replace{
				Pattern:     t.MessageReplace.Pattern,
				Replacement: t.MessageReplace.Replacement,
			}
		}
		for _, mp := range t.MaskPatterns {
			d.MaskPatterns = append(d.MaskPatterns, transform.Replace{
				Pattern:     mp.Pattern,
				Replacement: mp.Replacement,
			})
		}
		out = append(out, d)
	}
	return out
}
