// Package ingest receives raw log lines over the network and queues the
// parsed events for the detection pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"logsentinel/internal/kafka"
	"logsentinel/internal/metrics"
	"logsentinel/internal/parser"
	"logsentinel/internal/queue"
	"logsentinel/internal/schema"
)

// Transport labels used in logs and metrics.
const (
	TransportTCP   = "tcp"
	TransportDTLS  = "dtls"
	TransportUDP   = "udp"
	TransportHTTP  = "http"
	TransportKafka = "kafka"
)

var (
	// ErrUnparsed is returned for a line outside the log grammar.
	ErrUnparsed = errors.New("ingest: line does not match the log format")
	// ErrInvalid is returned for a parsed event that fails validation.
	ErrInvalid = errors.New("ingest: invalid event")
)

// IntakeMetrics holds line counters across all transports.
type IntakeMetrics struct {
	Received uint64 `json:"received"`
	Parsed   uint64 `json:"parsed"`
	Queued   uint64 `json:"queued"`
	Dropped  uint64 `json:"dropped"`
}

// Intake parses, validates and queues lines. Every listener shares one
// Intake so counters and drop accounting are uniform. It is safe for
// concurrent use.
type Intake struct {
	parser    *parser.Parser
	validator *schema.Validator
	queue     *queue.RingBuffer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	received atomic.Uint64
	parsed   atomic.Uint64
	queued   atomic.Uint64
	dropped  atomic.Uint64
}

// NewIntake creates an Intake feeding q. The validator and metrics may be nil.
func NewIntake(p *parser.Parser, v *schema.Validator, q *queue.RingBuffer, m *metrics.Metrics, logger *slog.Logger) *Intake {
	if p == nil {
		p = parser.New(parser.DefaultConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{
		parser:    p,
		validator: v,
		queue:     q,
		metrics:   m,
		logger:    logger,
	}
}

// HandleLine processes one line received over transport. The error tells
// the caller why a line was dropped; it is already counted.
func (in *Intake) HandleLine(transport, line string) error {
	in.received.Add(1)
	if in.metrics != nil {
		in.metrics.LinesRead.WithLabelValues(transport).Inc()
	}

	ev, ok := in.parser.Parse(line)
	if !ok {
		in.drop(metrics.ReasonUnparsed)
		return ErrUnparsed
	}
	in.parsed.Add(1)
	if in.metrics != nil {
		in.metrics.EventsParsed.WithLabelValues(transport).Inc()
	}

	if in.validator != nil {
		if err := in.validator.Validate(&ev); err != nil {
			in.drop(metrics.ReasonInvalid)
			in.logger.Debug("invalid event", "transport", transport, "source", ev.SourceID, "error", err)
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if err := in.queue.Push(ev); err != nil {
		in.drop(metrics.ReasonQueueFull)
		return err
	}
	in.queued.Add(1)
	if in.metrics != nil {
		in.metrics.QueueDepth.Set(float64(in.queue.Len()))
	}
	return nil
}

func (in *Intake) drop(reason string) {
	in.dropped.Add(1)
	if in.metrics != nil {
		in.metrics.EventsDropped.WithLabelValues(reason).Inc()
	}
}

// KafkaHandler adapts the Intake to a Kafka consumer. Unparsed and invalid
// lines are dropped and the message still commits; a full queue fails the
// message so it is redelivered.
func (in *Intake) KafkaHandler() kafka.MessageHandler {
	return kafka.LineHandler(func(_ context.Context, line string) error {
		err := in.HandleLine(TransportKafka, line)
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
			return err
		}
		return nil
	})
}

// Metrics returns the line counters.
func (in *Intake) Metrics() IntakeMetrics {
	return IntakeMetrics{
		Received: in.received.Load(),
		Parsed:   in.parsed.Load(),
		Queued:   in.queued.Load(),
		Dropped:  in.dropped.Load(),
	}
}
