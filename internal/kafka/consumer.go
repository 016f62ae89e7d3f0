package kafka

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageHandler processes one consumed message. A nil return commits the
// offset; an error leaves it uncommitted.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// LineHandler adapts a per-line callback to a MessageHandler. A message may
// carry several newline separated lines; blank lines are skipped.
func LineHandler(fn func(ctx context.Context, line string) error) MessageHandler {
	return func(ctx context.Context, msg kafka.Message) error {
		var errs []error
		for _, line := range bytes.Split(msg.Value, []byte{'\n'}) {
			line = bytes.TrimRight(line, "\r")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := fn(ctx, string(line)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads log lines from the log topic.
type Consumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	backoff time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool

	consumed      atomic.Int64
	bytes         atomic.Int64
	errors        atomic.Int64
	lastError     atomic.Value
	lastErrorTime atomic.Value
}

// NewConsumer creates a consumer group member on the log topic.
func NewConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.LogTopic == "" {
		return nil, ErrNoTopic
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}

	dialer, err := config.Dialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.LogTopic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	logger.Info("kafka consumer initialized",
		"brokers", config.Brokers,
		"topic", config.LogTopic,
		"group", config.ConsumerGroup,
	)

	return newConsumer(reader, config, handler, logger), nil
}

func newConsumer(reader messageReader, config *Config, handler MessageHandler, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		handler: handler,
		backoff: time.Second,
	}
}

// Run consumes until ctx is cancelled or Stop is called.
func (c *Consumer) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrConsumerClosed
	}
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()
	defer cancel()

	c.logger.Info("starting kafka consumer", "topic", c.config.LogTopic)
	err := c.consumeLoop(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.LogTopic)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
				continue
			}
		}

		if err := c.handler(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Warn("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}

		c.consumed.Add(1)
		c.bytes.Add(int64(len(msg.Value) + len(msg.Key)))
	}
}

func (c *Consumer) recordError(err error) {
	c.errors.Add(1)
	c.lastError.Store(err.Error())
	c.lastErrorTime.Store(time.Now())
}

// Metrics returns current consumer metrics.
func (c *Consumer) Metrics() Metrics {
	m := Metrics{
		Messages: c.consumed.Load(),
		Bytes:    c.bytes.Load(),
		Errors:   c.errors.Load(),
	}
	if s, ok := c.lastError.Load().(string); ok {
		m.LastError = s
	}
	if t, ok := c.lastErrorTime.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// Stop cancels Run, waits for it to return and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping kafka consumer",
		"messages_consumed", c.consumed.Load(),
		"bytes_consumed", c.bytes.Load(),
	)

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
