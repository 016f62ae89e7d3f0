package correlation

import (
	"logsentinel/internal/schema"
)

// DetectThreshold reports every event e of rule.EventType whose source saw
// more than rule.Threshold such events in [e.Timestamp-Window, e.Timestamp].
// Both window ends are inclusive and every event sharing e's timestamp is
// counted. A sustained burst produces one alert per event while over the
// threshold.
//
// Alerts are ordered by source (first appearance in events) and then by
// time within a source.
func DetectThreshold(events []schema.Event, rule ThresholdRule) ([]Alert, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return thresholdAlerts(events, rule), nil
}

func thresholdAlerts(events []schema.Event, rule ThresholdRule) []Alert {
	var alerts []Alert
	for _, g := range GroupBySource(events) {
		matched := filterType(g.Events, rule.EventType)
		sortByTime(matched)
		alerts = appendBursts(alerts, g.SourceID, matched, rule)
	}
	return alerts
}

// appendBursts slides a two-pointer window over a time-sorted group. For the
// event at i, [lo, hi) spans exactly the events inside its window: lo is the
// first index not older than the window start and hi is the first index
// strictly after the event's own timestamp. Both only move forward.
func appendBursts(alerts []Alert, source string, sorted []schema.Event, rule ThresholdRule) []Alert {
	lo, hi := 0, 0
	for i, e := range sorted {
		start := e.Timestamp.Add(-rule.Window)
		for sorted[lo].Timestamp.Before(start) {
			lo++
		}
		if hi <= i {
			hi = i + 1
		}
		for hi < len(sorted) && !sorted[hi].Timestamp.After(e.Timestamp) {
			hi++
		}

		if count := hi - lo; count > rule.Threshold {
			alerts = append(alerts, NewThresholdAlert(rule, source, count, e.Timestamp))
		}
	}
	return alerts
}
