package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"logsentinel/internal/correlation"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes alerts to the alert topic, one JSON document per
// message keyed by source so one source's alerts stay on one partition.
type Producer struct {
	writer messageWriter
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced      atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	retries       atomic.Int64
	lastError     atomic.Value
	lastErrorTime atomic.Value
}

// NewProducer creates a producer on the alert topic.
func NewProducer(config *Config, logger *slog.Logger) (*Producer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.AlertTopic == "" {
		return nil, ErrNoTopic
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.AlertTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.ProducerBatchSize,
		BatchTimeout: config.ProducerBatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		Compression:  config.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", config.Brokers,
		"topic", config.AlertTopic,
		"compression", config.CompressionType,
	)

	return newProducer(writer, config, logger), nil
}

func newProducer(w messageWriter, config *Config, logger *slog.Logger) *Producer {
	return &Producer{writer: w, config: config, logger: logger}
}

// Name identifies the producer in logs and metrics.
func (p *Producer) Name() string { return "kafka" }

// Write publishes alerts in one batch, preserving their order.
func (p *Producer) Write(ctx context.Context, alerts []correlation.Alert) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	if len(alerts) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		msg, err := alertMessage(a)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.produce(ctx, msgs)
}

func alertMessage(a correlation.Alert) (kafka.Message, error) {
	value, err := json.Marshal(a)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: failed to marshal alert: %w", err)
	}
	return kafka.Message{
		Key:   []byte(a.SourceID),
		Value: value,
		Time:  a.Timestamp,
		Headers: []kafka.Header{
			{Key: "alert-id", Value: []byte(a.ID.String())},
			{Key: "alert-type", Value: []byte(a.Type)},
			{Key: "rule", Value: []byte(a.Rule)},
		},
	}, nil
}

// produce sends messages with exponential backoff between attempts.
func (p *Producer) produce(ctx context.Context, msgs []kafka.Message) error {
	var lastErr error
	backoff := p.config.ProducerRetryBackoff

	for attempt := 0; attempt <= p.config.ProducerMaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			p.produced.Add(int64(len(msgs)))
			for _, m := range msgs {
				p.bytes.Add(int64(len(m.Key) + len(m.Value)))
			}
			p.logger.Debug("produced alerts", "count", len(msgs), "topic", p.config.AlertTopic)
			return nil
		}

		lastErr = err
		p.errors.Add(1)
		p.lastError.Store(err.Error())
		p.lastErrorTime.Store(time.Now())
		p.logger.Warn("kafka produce failed",
			"error", err,
			"attempt", attempt+1,
			"max_attempts", p.config.ProducerMaxRetries+1,
		)

		if isNonRetryableError(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}

	return fmt.Errorf("kafka: failed after %d attempts: %w", p.config.ProducerMaxRetries+1, lastErr)
}

// Metrics returns current producer metrics.
func (p *Producer) Metrics() Metrics {
	m := Metrics{
		Messages: p.produced.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errors.Load(),
		Retries:  p.retries.Load(),
	}
	if s, ok := p.lastError.Load().(string); ok {
		m.LastError = s
	}
	if t, ok := p.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// Close flushes buffered messages and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "alerts_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// isNonRetryableError reports errors that a retry cannot fix.
func isNonRetryableError(err error) bool {
	for _, target := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
