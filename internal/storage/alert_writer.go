package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"logsentinel/internal/correlation"
)

const insertAlerts = `
	INSERT INTO alerts (
		id, rule, type, source_id, description,
		timestamp, count, window_ms, delay_ms, score
	)`

// AlertWriterConfig holds configuration for the alert writer.
type AlertWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultAlertWriterConfig returns the default alert writer configuration.
func DefaultAlertWriterConfig() AlertWriterConfig {
	return AlertWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// AlertWriter buffers alerts and inserts them into ClickHouse in batches.
// Alert IDs are deterministic and the table deduplicates on them, so a
// detection pass that re-emits an alert does not produce a second row.
type AlertWriter struct {
	client *ClickHouseClient
	config AlertWriterConfig

	mu     sync.Mutex
	buffer []correlation.Alert
	closed bool

	flushTimer *time.Timer

	totalWritten atomic.Uint64
	totalFailed  atomic.Uint64
	batchCount   atomic.Uint64
}

// NewAlertWriter creates a writer and starts its flush timer.
func NewAlertWriter(client *ClickHouseClient, cfg AlertWriterConfig) *AlertWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultAlertWriterConfig().BatchSize
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = DefaultAlertWriterConfig().InsertTimeout
	}
	aw := &AlertWriter{
		client: client,
		config: cfg,
		buffer: make([]correlation.Alert, 0, cfg.BatchSize),
	}
	if cfg.FlushInterval > 0 {
		aw.flushTimer = time.AfterFunc(cfg.FlushInterval, aw.timerFlush)
	}
	return aw
}

// Name identifies the writer in logs and metrics.
func (aw *AlertWriter) Name() string { return "clickhouse" }

// Write buffers alerts and flushes once the batch size is reached.
func (aw *AlertWriter) Write(ctx context.Context, alerts []correlation.Alert) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if aw.closed {
		return ErrWriterClosed
	}

	aw.buffer = append(aw.buffer, alerts...)
	if len(aw.buffer) >= aw.config.BatchSize {
		return aw.flushLocked(ctx)
	}
	return nil
}

func (aw *AlertWriter) timerFlush() {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if aw.closed {
		return
	}
	if err := aw.flushLocked(context.Background()); err != nil {
		slog.Error("timer flush failed", "error", err)
	}
	aw.flushTimer.Reset(aw.config.FlushInterval)
}

// flushLocked sends the buffer. Caller must hold the lock.
func (aw *AlertWriter) flushLocked(ctx context.Context) error {
	if len(aw.buffer) == 0 {
		return nil
	}

	alerts := aw.buffer
	aw.buffer = make([]correlation.Alert, 0, aw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= aw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				aw.totalFailed.Add(uint64(len(alerts)))
				return ctx.Err()
			case <-time.After(aw.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := aw.insert(ctx, alerts); err != nil {
			lastErr = err
			slog.Warn("alert insert failed",
				"attempt", attempt+1,
				"max_retries", aw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		aw.totalWritten.Add(uint64(len(alerts)))
		aw.batchCount.Add(1)
		return nil
	}

	aw.totalFailed.Add(uint64(len(alerts)))
	return &StorageError{
		Op:      "InsertAlerts",
		Table:   "alerts",
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr),
		Retries: aw.config.MaxRetries,
	}
}

func (aw *AlertWriter) insert(ctx context.Context, alerts []correlation.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, aw.config.InsertTimeout)
	defer cancel()

	batch, err := aw.client.PrepareBatch(ctx, insertAlerts)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, a := range alerts {
		if err := batch.Append(alertRow(a)...); err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append alert %s: %w", a.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("alerts inserted", "count", len(alerts))
	return nil
}

// alertRow orders an alert's columns to match insertAlerts.
func alertRow(a correlation.Alert) []any {
	return []any{
		a.ID,
		a.Rule,
		string(a.Type),
		a.SourceID,
		a.Description,
		a.Timestamp.UTC(),
		uint32(a.Count),
		a.Window.Milliseconds(),
		a.Delay.Milliseconds(),
		a.Score,
	}
}

// Flush forces a flush of the current buffer.
func (aw *AlertWriter) Flush(ctx context.Context) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.flushLocked(ctx)
}

// Close stops the timer and flushes what is left.
func (aw *AlertWriter) Close() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if aw.closed {
		return nil
	}
	aw.closed = true
	if aw.flushTimer != nil {
		aw.flushTimer.Stop()
	}
	return aw.flushLocked(context.Background())
}

// Metrics returns alert writer statistics.
func (aw *AlertWriter) Metrics() AlertWriterMetrics {
	aw.mu.Lock()
	pending := len(aw.buffer)
	aw.mu.Unlock()

	return AlertWriterMetrics{
		Written: aw.totalWritten.Load(),
		Failed:  aw.totalFailed.Load(),
		Batches: aw.batchCount.Load(),
		Pending: pending,
	}
}

// AlertWriterMetrics holds alert writer statistics.
type AlertWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
	Batches uint64 `json:"batches"`
}
