package correlation

import (
	"logsentinel/internal/schema"
)

// Detect runs one threshold rule and one sequence rule over the same batch
// and returns the threshold alerts followed by the sequence alerts.
func Detect(events []schema.Event, threshold ThresholdRule, sequence SequenceRule) ([]Alert, error) {
	if err := threshold.Validate(); err != nil {
		return nil, err
	}
	if err := sequence.Validate(); err != nil {
		return nil, err
	}

	alerts := thresholdAlerts(events, threshold)
	return append(alerts, sequenceAlerts(events, sequence)...), nil
}

// Detector evaluates a validated rule set. It holds no state besides the
// rules, so one Detector may serve concurrent callers.
type Detector struct {
	rules RuleSet
}

// NewDetector validates rules and returns a detector for them.
func NewDetector(rules RuleSet) (*Detector, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &Detector{rules: rules.Clone()}, nil
}

// Detect returns all threshold alerts, rule by rule in declaration order,
// followed by all sequence alerts in the same manner.
func (d *Detector) Detect(events []schema.Event) []Alert {
	var alerts []Alert
	for _, r := range d.rules.Threshold {
		alerts = append(alerts, thresholdAlerts(events, r)...)
	}
	for _, r := range d.rules.Sequence {
		alerts = append(alerts, sequenceAlerts(events, r)...)
	}
	return alerts
}

// Rules returns a copy of the detector's rule set.
func (d *Detector) Rules() RuleSet {
	return d.rules.Clone()
}
