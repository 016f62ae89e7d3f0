// Package correlation provides the detection engine: a per-source threshold
// detector, an adjacent-pair sequence correlator and the façade composing
// them.
//
// Every detector is a pure function of its input batch. Nothing is cached
// between calls and the input slice is never modified.
package correlation

import (
	"errors"
	"fmt"
	"time"

	"logsentinel/internal/schema"
)

// RuleType defines the class of rule that produced an alert.
type RuleType string

const (
	// RuleTypeThreshold fires when a source bursts past a count in a window.
	RuleTypeThreshold RuleType = "threshold"
	// RuleTypeSequence fires when two event types follow each other closely.
	RuleTypeSequence RuleType = "sequence"
	// RuleTypeAnomaly marks statistical outliers. No rule in this package
	// produces it; it is reserved for enrichment passes.
	RuleTypeAnomaly RuleType = "anomaly"
)

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// ThresholdRule flags a source emitting more than Threshold events of
// EventType inside any closed window of length Window.
type ThresholdRule struct {
	Name      string           `json:"name" yaml:"name"`
	EventType schema.EventType `json:"event_type" yaml:"event_type"`
	Threshold int              `json:"threshold" yaml:"threshold"`
	Window    time.Duration    `json:"window" yaml:"window"`
}

// Validate validates the rule configuration.
func (r ThresholdRule) Validate() error {
	if r.EventType == "" {
		return fmt.Errorf("%w: threshold rule %q: event type is required", ErrInvalidRule, r.Name)
	}
	if r.Threshold <= 0 {
		return fmt.Errorf("%w: threshold rule %q: threshold must be positive, got %d", ErrInvalidRule, r.Name, r.Threshold)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: threshold rule %q: window must be positive, got %s", ErrInvalidRule, r.Name, r.Window)
	}
	return nil
}

// SequenceRule flags FirstType immediately followed by SecondType from the
// same source, less than MaxDelay apart, in the globally time-ordered stream.
type SequenceRule struct {
	Name       string           `json:"name" yaml:"name"`
	FirstType  schema.EventType `json:"first_type" yaml:"first_type"`
	SecondType schema.EventType `json:"second_type" yaml:"second_type"`
	MaxDelay   time.Duration    `json:"max_delay" yaml:"max_delay"`
}

// Validate validates the rule configuration.
func (r SequenceRule) Validate() error {
	if r.FirstType == "" || r.SecondType == "" {
		return fmt.Errorf("%w: sequence rule %q: both event types are required", ErrInvalidRule, r.Name)
	}
	if r.MaxDelay <= 0 {
		return fmt.Errorf("%w: sequence rule %q: max delay must be positive, got %s", ErrInvalidRule, r.Name, r.MaxDelay)
	}
	return nil
}
