package schema

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// eventTypePattern defines the valid format for event type labels.
// Labels are UPPER_SNAKE: an uppercase letter followed by uppercase letters,
// digits or underscores. Examples: "LOGIN_FAILED", "PORT_SCAN".
var eventTypePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Validator checks records arriving from network transports before they are
// queued for detection.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
// A zero duration disables the corresponding timestamp bound; replayed log
// files routinely carry old timestamps, so both bounds are off by default.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("event_type", func(fl validator.FieldLevel) bool {
		return eventTypePattern.MatchString(fl.Field().String())
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate validates an event record.
func (v *Validator) Validate(event *Event) error {
	if event == nil {
		return fmt.Errorf("validation failed: nil event")
	}

	if err := v.validate.Struct(event); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if event.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	now := time.Now().UTC()

	if v.maxAge > 0 && event.Timestamp.Before(now.Add(-v.maxAge)) {
		return fmt.Errorf("timestamp too old: %v (max age: %v)", event.Timestamp, v.maxAge)
	}

	if v.maxFuture > 0 && event.Timestamp.After(now.Add(v.maxFuture)) {
		return fmt.Errorf("timestamp in future: %v (max future: %v)", event.Timestamp, v.maxFuture)
	}

	return nil
}

// ValidateEventType checks if a label matches the UPPER_SNAKE format.
func ValidateEventType(label string) bool {
	return eventTypePattern.MatchString(label)
}
