package correlation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimeLayout is used when rendering timestamps into alert descriptions.
const TimeLayout = "2006-01-02 15:04:05"

// alertNamespace seeds the deterministic alert fingerprints.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("logsentinel.alert"))

// Alert is one detection result. Alerts are values; the engine keeps no
// record of what it emitted, so replaying an overlapping batch yields the
// same alerts again with the same ID.
type Alert struct {
	ID          uuid.UUID     `json:"id"`
	Rule        string        `json:"rule"`
	Type        RuleType      `json:"type"`
	SourceID    string        `json:"source_id"`
	Description string        `json:"description"`
	Timestamp   time.Time     `json:"timestamp"`
	Count       int           `json:"count,omitempty"`
	Window      time.Duration `json:"window,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Score       float64       `json:"score,omitempty"`
}

// String returns the human readable description.
func (a Alert) String() string {
	return a.Description
}

// NewThresholdAlert builds the alert emitted when count events of the rule's
// type were seen from source in the window ending at ts.
func NewThresholdAlert(rule ThresholdRule, source string, count int, ts time.Time) Alert {
	return Alert{
		ID:       fingerprint(RuleTypeThreshold, rule.Name, source, ts, int64(count)),
		Rule:     rule.Name,
		Type:     RuleTypeThreshold,
		SourceID: source,
		Description: fmt.Sprintf("Suspicious activity from IP=%s: %d '%s' events in the last %s ending at %s.",
			source, count, rule.EventType, humanDuration(rule.Window), ts.Format(TimeLayout)),
		Timestamp: ts,
		Count:     count,
		Window:    rule.Window,
	}
}

// NewSequenceAlert builds the alert emitted for a correlated pair starting at ts.
func NewSequenceAlert(rule SequenceRule, source string, delay time.Duration, ts time.Time) Alert {
	return Alert{
		ID:       fingerprint(RuleTypeSequence, rule.Name, source, ts, int64(delay)),
		Rule:     rule.Name,
		Type:     RuleTypeSequence,
		SourceID: source,
		Description: fmt.Sprintf("Correlated Alert: IP=%s had %s -> %s within %s at %s.",
			source, rule.FirstType, rule.SecondType, delay, ts.Format(TimeLayout)),
		Timestamp: ts,
		Delay:     delay,
	}
}

// NewAnomalyAlert builds an alert for a source flagged by a statistical model.
func NewAnomalyAlert(name, source string, score float64, ts time.Time, detail string) Alert {
	return Alert{
		ID:          fingerprint(RuleTypeAnomaly, name, source, ts, int64(score*1000)),
		Rule:        name,
		Type:        RuleTypeAnomaly,
		SourceID:    source,
		Description: fmt.Sprintf("Anomalous behavior from IP=%s: %s (score %.2f) as of %s.", source, detail, score, ts.Format(TimeLayout)),
		Timestamp:   ts,
		Score:       score,
	}
}

func fingerprint(kind RuleType, rule, source string, ts time.Time, n int64) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%s|%d|%d", kind, rule, source, ts.UnixNano(), n)
	return uuid.NewSHA1(alertNamespace, []byte(key))
}

// humanDuration renders whole minutes as "N minutes" and anything else in
// Go duration notation.
func humanDuration(d time.Duration) string {
	if d <= 0 || d%time.Minute != 0 {
		return d.String()
	}
	m := int64(d / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
