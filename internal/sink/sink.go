// Package sink delivers alerts to their destinations.
package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"logsentinel/internal/correlation"
)

// Sink receives alerts in emission order.
type Sink interface {
	Name() string
	Write(ctx context.Context, alerts []correlation.Alert) error
	Close() error
}

// Multi fans alerts out to several sinks. A failing sink does not stop
// delivery to the ones after it.
type Multi struct {
	sinks []Sink
}

// NewMulti creates a Multi over sinks, in order.
func NewMulti(sinks ...Sink) *Multi {
	return &Multi{sinks: sinks}
}

// Name implements Sink.
func (m *Multi) Name() string { return "multi" }

// Sinks returns the wrapped sinks.
func (m *Multi) Sinks() []Sink { return slices.Clone(m.sinks) }

// Write delivers alerts to every sink and joins their errors. Each error is
// a *Error naming the sink.
func (m *Multi) Write(ctx context.Context, alerts []correlation.Alert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, alerts); err != nil {
			errs = append(errs, &Error{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, collecting errors.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, &Error{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}

// Error attributes a failure to one sink.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FailedSinks returns the names of the sinks that failed in err, in order.
func FailedSinks(err error) []string {
	if err == nil {
		return nil
	}
	if se, ok := err.(*Error); ok {
		return []string{se.Sink}
	}
	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		return nil
	}
	var names []string
	for _, e := range joined.Unwrap() {
		names = append(names, FailedSinks(e)...)
	}
	return names
}

// Recent keeps the last alerts in memory for the HTTP API and the TUI.
type Recent struct {
	mu     sync.RWMutex
	limit  int
	alerts []correlation.Alert
	seen   map[string]struct{}
}

// NewRecent keeps at most limit alerts. Alerts re-emitted by a later
// detection pass are stored once.
func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 1000
	}
	return &Recent{limit: limit, seen: make(map[string]struct{})}
}

// Name implements Sink.
func (r *Recent) Name() string { return "recent" }

// Write implements Sink.
func (r *Recent) Write(_ context.Context, alerts []correlation.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range alerts {
		key := a.ID.String()
		if _, dup := r.seen[key]; dup {
			continue
		}
		r.seen[key] = struct{}{}
		r.alerts = append(r.alerts, a)
	}
	if over := len(r.alerts) - r.limit; over > 0 {
		for _, a := range r.alerts[:over] {
			delete(r.seen, a.ID.String())
		}
		r.alerts = slices.Clone(r.alerts[over:])
	}
	return nil
}

// Alerts returns a copy of the stored alerts, oldest first.
func (r *Recent) Alerts() []correlation.Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.alerts)
}

// Query returns up to limit stored alerts, newest first, matching kind and
// source when they are non-empty. Total counts every match.
func (r *Recent) Query(kind correlation.RuleType, source string, limit int) AlertsResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resp := AlertsResponse{Alerts: []correlation.Alert{}}
	for i := len(r.alerts) - 1; i >= 0; i-- {
		a := r.alerts[i]
		if kind != "" && a.Type != kind {
			continue
		}
		if source != "" && a.SourceID != source {
			continue
		}
		resp.Total++
		if limit <= 0 || len(resp.Alerts) < limit {
			resp.Alerts = append(resp.Alerts, a)
		}
	}
	return resp
}

// Close implements Sink.
func (r *Recent) Close() error { return nil }
