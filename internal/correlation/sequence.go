package correlation

import (
	"slices"

	"logsentinel/internal/schema"
)

// Correlate sorts the whole batch by time and inspects adjacent pairs only.
// A pair (a, b) alerts when both come from the same source, a has
// rule.FirstType, b has rule.SecondType and b follows a by strictly less
// than rule.MaxDelay. Any event between them, from any source, breaks the
// pair. The alert carries a's timestamp.
func Correlate(events []schema.Event, rule SequenceRule) ([]Alert, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return sequenceAlerts(events, rule), nil
}

func sequenceAlerts(events []schema.Event, rule SequenceRule) []Alert {
	if len(events) < 2 {
		return nil
	}

	sorted := slices.Clone(events)
	sortByTime(sorted)

	var alerts []Alert
	for i := 0; i+1 < len(sorted); i++ {
		a, b := sorted[i], sorted[i+1]
		if a.SourceID != b.SourceID || !a.Is(rule.FirstType) || !b.Is(rule.SecondType) {
			continue
		}
		if delay := b.Timestamp.Sub(a.Timestamp); delay < rule.MaxDelay {
			alerts = append(alerts, NewSequenceAlert(rule, a.SourceID, delay, a.Timestamp))
		}
	}
	return alerts
}
