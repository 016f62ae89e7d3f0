// Package schema defines the event record consumed by the detection engine.
// Every parsed log line is turned into this structure before detection.
package schema

import (
	"time"
)

// EventType is a category label such as LOGIN_FAILED or PORT_SCAN.
// The set is open: unknown labels are legal and simply never match a rule.
type EventType string

const (
	EventLoginFailed  EventType = "LOGIN_FAILED"
	EventLoginSuccess EventType = "LOGIN_SUCCESS"
	EventPortScan     EventType = "PORT_SCAN"
)

// Event is one structured security event.
// Events are values: once produced they are never modified, detectors only
// read and regroup them.
type Event struct {
	// SourceID is the grouping key for both rule classes (e.g. an address).
	SourceID  string    `json:"source_id" validate:"required,max=256"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Type      EventType `json:"event_type" validate:"required,event_type"`

	// Subject is the acting user, carried for downstream enrichment only.
	Subject string `json:"subject,omitempty" validate:"max=256"`
}

// Is reports whether the event carries the given type label.
func (e Event) Is(t EventType) bool {
	return e.Type == t
}
