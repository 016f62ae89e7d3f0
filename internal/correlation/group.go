package correlation

import (
	"slices"

	"logsentinel/internal/schema"
)

// Group is the ordered slice of events belonging to one source.
type Group struct {
	SourceID string
	Events   []schema.Event
}

// GroupBySource partitions events by SourceID. Groups are returned in order
// of first appearance of their source and each group keeps input order. The
// returned slices are owned by the caller.
func GroupBySource(events []schema.Event) []Group {
	index := make(map[string]int)
	var groups []Group

	for _, e := range events {
		i, ok := index[e.SourceID]
		if !ok {
			i = len(groups)
			index[e.SourceID] = i
			groups = append(groups, Group{SourceID: e.SourceID})
		}
		groups[i].Events = append(groups[i].Events, e)
	}
	return groups
}

// sortByTime stable-sorts events by timestamp in place.
func sortByTime(events []schema.Event) {
	slices.SortStableFunc(events, func(a, b schema.Event) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

// filterType returns the events carrying type t, in order.
func filterType(events []schema.Event, t schema.EventType) []schema.Event {
	var out []schema.Event
	for _, e := range events {
		if e.Is(t) {
			out = append(out, e)
		}
	}
	return out
}
