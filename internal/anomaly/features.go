// Package anomaly flags sources whose behavior stands out from the rest of a
// batch. It is an enrichment pass and does not share state with the rule
// engine.
package anomaly

import (
	"time"

	"logsentinel/internal/correlation"
	"logsentinel/internal/schema"
)

// Features is the per-source feature row.
type Features struct {
	SourceID          string    `json:"source_id"`
	Total             int       `json:"total"`
	Failures          int       `json:"failures"`
	FailureRatio      float64   `json:"failure_ratio"`
	MinutesSinceFirst float64   `json:"minutes_since_first"`
	MinutesSinceLast  float64   `json:"minutes_since_last"`
	Last              time.Time `json:"last"`
}

// featureCount is the length of Features.Vector.
const featureCount = 5

// Vector returns the numeric columns in a fixed order.
func (f Features) Vector() []float64 {
	return []float64{
		float64(f.Total),
		float64(f.Failures),
		f.FailureRatio,
		f.MinutesSinceFirst,
		f.MinutesSinceLast,
	}
}

// Extract builds one row per source, in order of first appearance. Recency
// columns are measured against now so the result depends only on its inputs.
func Extract(events []schema.Event, failure schema.EventType, now time.Time) []Features {
	groups := correlation.GroupBySource(events)
	rows := make([]Features, 0, len(groups))

	for _, g := range groups {
		first, last := g.Events[0].Timestamp, g.Events[0].Timestamp
		failures := 0
		for _, e := range g.Events {
			if e.Timestamp.Before(first) {
				first = e.Timestamp
			}
			if e.Timestamp.After(last) {
				last = e.Timestamp
			}
			if e.Is(failure) {
				failures++
			}
		}

		total := len(g.Events)
		rows = append(rows, Features{
			SourceID:          g.SourceID,
			Total:             total,
			Failures:          failures,
			FailureRatio:      float64(failures) / float64(total),
			MinutesSinceFirst: now.Sub(first).Minutes(),
			MinutesSinceLast:  now.Sub(last).Minutes(),
			Last:              last,
		})
	}
	return rows
}
