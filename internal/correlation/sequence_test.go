package correlation

import (
	"errors"
	"math/rand"
	"reflect"
	"slices"
	"testing"
	"time"

	"logsentinel/internal/schema"
)

func scanThenLogin(maxDelay time.Duration) SequenceRule {
	return SequenceRule{
		Name:       "scan-then-login",
		FirstType:  schema.EventPortScan,
		SecondType: schema.EventLoginFailed,
		MaxDelay:   maxDelay,
	}
}

func TestCorrelate_Examples(t *testing.T) {
	pair := []schema.Event{
		ev("2.2.2.2", schema.EventPortScan, 0),
		ev("2.2.2.2", schema.EventLoginFailed, 90*time.Second),
	}

	t.Run("pair within two minutes", func(t *testing.T) {
		alerts, err := Correlate(pair, scanThenLogin(2*time.Minute))
		if err != nil {
			t.Fatalf("Correlate() error = %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("got %d alerts, want 1", len(alerts))
		}
		a := alerts[0]
		if a.SourceID != "2.2.2.2" {
			t.Errorf("SourceID = %q", a.SourceID)
		}
		if a.Delay != 90*time.Second {
			t.Errorf("Delay = %v, want 1m30s", a.Delay)
		}
		if !a.Timestamp.Equal(t0) {
			t.Errorf("Timestamp = %v, want first event time", a.Timestamp)
		}
		if a.Type != RuleTypeSequence {
			t.Errorf("Type = %q", a.Type)
		}
	})

	t.Run("same pair with one minute delay", func(t *testing.T) {
		alerts, err := Correlate(pair, scanThenLogin(time.Minute))
		if err != nil {
			t.Fatalf("Correlate() error = %v", err)
		}
		if len(alerts) != 0 {
			t.Errorf("got %d alerts, want 0", len(alerts))
		}
	})

	t.Run("interleaved event breaks adjacency", func(t *testing.T) {
		events := []schema.Event{
			ev("2.2.2.2", schema.EventPortScan, 0),
			ev("3.3.3.3", "ANYTHING", 30*time.Second),
			ev("2.2.2.2", schema.EventLoginFailed, 90*time.Second),
		}
		alerts, err := Correlate(events, scanThenLogin(2*time.Minute))
		if err != nil {
			t.Fatalf("Correlate() error = %v", err)
		}
		if len(alerts) != 0 {
			t.Errorf("got %d alerts, want 0", len(alerts))
		}
	})
}

func TestCorrelate_EdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		events     []schema.Event
		rule       SequenceRule
		wantDelays []time.Duration
	}{
		{
			name: "empty batch",
			rule: scanThenLogin(time.Minute),
		},
		{
			name:   "single event",
			events: []schema.Event{ev("a", schema.EventPortScan, 0)},
			rule:   scanThenLogin(time.Minute),
		},
		{
			name: "delay equal to max is rejected",
			events: []schema.Event{
				ev("a", schema.EventPortScan, 0),
				ev("a", schema.EventLoginFailed, time.Minute),
			},
			rule: scanThenLogin(time.Minute),
		},
		{
			name: "wrong order",
			events: []schema.Event{
				ev("a", schema.EventLoginFailed, 0),
				ev("a", schema.EventPortScan, time.Second),
			},
			rule: scanThenLogin(time.Minute),
		},
		{
			name: "different sources",
			events: []schema.Event{
				ev("a", schema.EventPortScan, 0),
				ev("b", schema.EventLoginFailed, time.Second),
			},
			rule: scanThenLogin(time.Minute),
		},
		{
			name: "same source other type in between",
			events: []schema.Event{
				ev("a", schema.EventPortScan, 0),
				ev("a", schema.EventLoginSuccess, time.Second),
				ev("a", schema.EventLoginFailed, 2*time.Second),
			},
			rule: scanThenLogin(time.Minute),
		},
		{
			name: "input order does not matter",
			events: []schema.Event{
				ev("a", schema.EventLoginFailed, 20*time.Second),
				ev("a", schema.EventPortScan, 0),
			},
			rule:       scanThenLogin(time.Minute),
			wantDelays: []time.Duration{20 * time.Second},
		},
		{
			name: "simultaneous pair keeps input order",
			events: []schema.Event{
				ev("a", schema.EventPortScan, 0),
				ev("a", schema.EventLoginFailed, 0),
			},
			rule:       scanThenLogin(time.Minute),
			wantDelays: []time.Duration{0},
		},
		{
			name: "overlapping pairs evaluated independently",
			events: []schema.Event{
				ev("a", schema.EventLoginFailed, 0),
				ev("a", schema.EventLoginFailed, 10*time.Second),
				ev("a", schema.EventLoginFailed, 30*time.Second),
			},
			rule: SequenceRule{
				Name:       "repeat",
				FirstType:  schema.EventLoginFailed,
				SecondType: schema.EventLoginFailed,
				MaxDelay:   time.Minute,
			},
			wantDelays: []time.Duration{10 * time.Second, 20 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts, err := Correlate(tt.events, tt.rule)
			if err != nil {
				t.Fatalf("Correlate() error = %v", err)
			}
			var delays []time.Duration
			for _, a := range alerts {
				delays = append(delays, a.Delay)
			}
			if !slices.Equal(delays, tt.wantDelays) {
				t.Errorf("delays = %v, want %v", delays, tt.wantDelays)
			}
		})
	}
}

func TestCorrelate_InvalidRule(t *testing.T) {
	tests := []struct {
		name string
		rule SequenceRule
	}{
		{"zero delay", scanThenLogin(0)},
		{"negative delay", scanThenLogin(-time.Second)},
		{"missing first type", SequenceRule{Name: "x", SecondType: schema.EventLoginFailed, MaxDelay: time.Minute}},
		{"missing second type", SequenceRule{Name: "x", FirstType: schema.EventPortScan, MaxDelay: time.Minute}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Correlate(nil, tt.rule); !errors.Is(err, ErrInvalidRule) {
				t.Errorf("error = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestCorrelate_InsertionBreaksPair(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	rule := scanThenLogin(2 * time.Minute)

	for round := 0; round < 30; round++ {
		gap := time.Duration(2+rng.Intn(100)) * time.Second
		source := "192.168.0.1"
		events := []schema.Event{
			ev(source, schema.EventPortScan, 0),
			ev(source, schema.EventLoginFailed, gap),
		}

		alerts, err := Correlate(events, rule)
		if err != nil {
			t.Fatalf("Correlate() error = %v", err)
		}
		if len(alerts) != 1 {
			t.Fatalf("round %d: got %d alerts for clean pair, want 1", round, len(alerts))
		}

		// Any event strictly between the pair, whoever sends it.
		intruders := []schema.Event{
			ev("10.9.9.9", schema.EventPortScan, gap/2),
			ev(source, schema.EventLoginSuccess, gap/2),
			ev(source, schema.EventPortScan, gap/2),
		}
		intruder := intruders[rng.Intn(len(intruders))]
		broken := append(slices.Clone(events), intruder)

		alerts, err = Correlate(broken, rule)
		if err != nil {
			t.Fatalf("Correlate() error = %v", err)
		}
		for _, a := range alerts {
			if a.Timestamp.Equal(t0) {
				t.Errorf("round %d: pair starting at t0 still alerted with %+v in between", round, intruder)
			}
		}
	}
}

func TestCorrelate_DoesNotMutateInput(t *testing.T) {
	events := []schema.Event{
		ev("a", schema.EventLoginFailed, 20*time.Second),
		ev("a", schema.EventPortScan, 0),
	}
	before := slices.Clone(events)

	if _, err := Correlate(events, scanThenLogin(time.Minute)); err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	if !reflect.DeepEqual(events, before) {
		t.Error("input batch was modified")
	}
}

func TestCorrelate_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	events := randomBatch(rng, 200)
	rule := scanThenLogin(time.Minute)

	first, err := Correlate(events, rule)
	if err != nil {
		t.Fatalf("Correlate() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, _ := Correlate(events, rule)
		if !reflect.DeepEqual(first, again) {
			t.Fatal("repeated correlation produced different alerts")
		}
	}
}
