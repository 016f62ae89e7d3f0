package correlation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"logsentinel/internal/schema"
)

// RuleSet is an ordered collection of rules. Declaration order is the order
// alerts are emitted in.
type RuleSet struct {
	Threshold []ThresholdRule `json:"threshold"`
	Sequence  []SequenceRule  `json:"sequence"`
}

// DefaultRuleSet returns the stock rules: more than three failed logins
// from one source within five minutes, and a port scan followed by a failed
// login from the same source within two minutes.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Threshold: []ThresholdRule{{
			Name:      "brute-force",
			EventType: schema.EventLoginFailed,
			Threshold: 3,
			Window:    5 * time.Minute,
		}},
		Sequence: []SequenceRule{{
			Name:       "scan-then-login",
			FirstType:  schema.EventPortScan,
			SecondType: schema.EventLoginFailed,
			MaxDelay:   2 * time.Minute,
		}},
	}
}

// Len returns the total number of rules.
func (rs RuleSet) Len() int {
	return len(rs.Threshold) + len(rs.Sequence)
}

// Clone returns a deep copy of the rule set.
func (rs RuleSet) Clone() RuleSet {
	return RuleSet{
		Threshold: slices.Clone(rs.Threshold),
		Sequence:  slices.Clone(rs.Sequence),
	}
}

// Validate checks every rule and requires unique, non-empty names.
func (rs RuleSet) Validate() error {
	if rs.Len() == 0 {
		return fmt.Errorf("%w: rule set is empty", ErrInvalidRule)
	}

	seen := make(map[string]bool, rs.Len())
	checkName := func(name string) error {
		if name == "" {
			return fmt.Errorf("%w: rule name is required", ErrInvalidRule)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate rule name %q", ErrInvalidRule, name)
		}
		seen[name] = true
		return nil
	}

	for _, r := range rs.Threshold {
		if err := checkName(r.Name); err != nil {
			return err
		}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for _, r := range rs.Sequence {
		if err := checkName(r.Name); err != nil {
			return err
		}
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// thresholdRuleFile is the on-disk form of a ThresholdRule. The window may
// be given as a duration string or as a number of minutes.
type thresholdRuleFile struct {
	Name          string        `yaml:"name"`
	EventType     string        `yaml:"event_type"`
	Threshold     int           `yaml:"threshold"`
	Window        time.Duration `yaml:"window"`
	WindowMinutes float64       `yaml:"window_minutes,omitempty"`
}

type sequenceRuleFile struct {
	Name            string        `yaml:"name"`
	FirstType       string        `yaml:"first_type"`
	SecondType      string        `yaml:"second_type"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	MaxDelayMinutes float64       `yaml:"max_delay_minutes,omitempty"`
}

type ruleSetFile struct {
	Threshold []thresholdRuleFile `yaml:"threshold,omitempty"`
	Sequence  []sequenceRuleFile  `yaml:"sequence,omitempty"`
}

func (f ruleSetFile) ruleSet() (RuleSet, error) {
	var rs RuleSet
	for i, r := range f.Threshold {
		window, err := pickDuration(r.Window, r.WindowMinutes)
		if err != nil {
			return RuleSet{}, fmt.Errorf("%w: threshold rule %d (%q): window: %v", ErrInvalidRule, i, r.Name, err)
		}
		rs.Threshold = append(rs.Threshold, ThresholdRule{
			Name:      r.Name,
			EventType: schema.EventType(r.EventType),
			Threshold: r.Threshold,
			Window:    window,
		})
	}
	for i, r := range f.Sequence {
		delay, err := pickDuration(r.MaxDelay, r.MaxDelayMinutes)
		if err != nil {
			return RuleSet{}, fmt.Errorf("%w: sequence rule %d (%q): max delay: %v", ErrInvalidRule, i, r.Name, err)
		}
		rs.Sequence = append(rs.Sequence, SequenceRule{
			Name:       r.Name,
			FirstType:  schema.EventType(r.FirstType),
			SecondType: schema.EventType(r.SecondType),
			MaxDelay:   delay,
		})
	}
	return rs, nil
}

// ParseRuleSet decodes and validates a YAML rule set. Unknown keys are
// rejected so that typos do not silently disable a rule.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var file ruleSetFile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, fmt.Errorf("failed to parse rules: %w", err)
	}

	rs, err := file.ruleSet()
	if err != nil {
		return RuleSet{}, err
	}

	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// LoadRuleSet reads and parses a rule file.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return RuleSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// UnmarshalYAML decodes the rule file format embedded in another document.
// The result is not validated; call Validate before use.
func (rs *RuleSet) UnmarshalYAML(value *yaml.Node) error {
	var file ruleSetFile
	if err := value.Decode(&file); err != nil {
		return err
	}
	parsed, err := file.ruleSet()
	if err != nil {
		return err
	}
	*rs = parsed
	return nil
}

// MarshalYAML renders the rule set in the file format ParseRuleSet reads.
func (rs RuleSet) MarshalYAML() (any, error) {
	var file ruleSetFile
	for _, r := range rs.Threshold {
		file.Threshold = append(file.Threshold, thresholdRuleFile{
			Name:      r.Name,
			EventType: string(r.EventType),
			Threshold: r.Threshold,
			Window:    r.Window,
		})
	}
	for _, r := range rs.Sequence {
		file.Sequence = append(file.Sequence, sequenceRuleFile{
			Name:       r.Name,
			FirstType:  string(r.FirstType),
			SecondType: string(r.SecondType),
			MaxDelay:   r.MaxDelay,
		})
	}
	return file, nil
}

func pickDuration(d time.Duration, minutes float64) (time.Duration, error) {
	if minutes == 0 {
		return d, nil
	}
	fromMinutes := time.Duration(minutes * float64(time.Minute))
	if d != 0 && d != fromMinutes {
		return 0, fmt.Errorf("duration %s conflicts with %g minutes", d, minutes)
	}
	return fromMinutes, nil
}
