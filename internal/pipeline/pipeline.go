// Package pipeline drives detection over a growing batch of events.
//
// Events are accumulated in arrival order. Every DetectEvery accepted events
// the full batch is re-evaluated, so an alert found on one pass is found
// again on every later pass that still holds its events. Sinks that need
// one copy per alert deduplicate on the alert ID.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"logsentinel/internal/anomaly"
	"logsentinel/internal/correlation"
	"logsentinel/internal/metrics"
	"logsentinel/internal/parser"
	"logsentinel/internal/queue"
	"logsentinel/internal/schema"
	"logsentinel/internal/sink"
)

// TransportScan labels lines read by RunLines.
const TransportScan = "scan"

// finalPassTimeout bounds the last sink write after the context is done.
const finalPassTimeout = 10 * time.Second

// Config holds the batch loop settings.
type Config struct {
	// DetectEvery is the number of accepted events between passes.
	DetectEvery int `yaml:"detect_every"`
	// MaxEvents caps the batch; the oldest events are evicted first.
	// Zero keeps everything.
	MaxEvents int `yaml:"max_events"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		DetectEvery: 10,
		MaxEvents:   100000,
	}
}

// Validate checks the loop settings.
func (c Config) Validate() error {
	if c.DetectEvery < 1 {
		return fmt.Errorf("pipeline: detect_every must be at least 1, got %d", c.DetectEvery)
	}
	if c.MaxEvents < 0 {
		return fmt.Errorf("pipeline: max_events must not be negative, got %d", c.MaxEvents)
	}
	return nil
}

// Option configures a Runner.
type Option func(*Runner)

// WithParser sets the parser used by RunLines.
func WithParser(p *parser.Parser) Option {
	return func(r *Runner) { r.parser = p }
}

// WithValidator validates every event before it joins the batch.
func WithValidator(v *schema.Validator) Option {
	return func(r *Runner) { r.validator = v }
}

// WithAnomaly adds a statistical pass to the final detection pass.
func WithAnomaly(d *anomaly.Detector) Option {
	return func(r *Runner) { r.anomaly = d }
}

// WithMetrics records counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// Stats summarizes a run.
type Stats struct {
	Lines      int `json:"lines"`
	Parsed     int `json:"parsed"`
	Unparsed   int `json:"unparsed"`
	Invalid    int `json:"invalid"`
	Accepted   int `json:"accepted"`
	Evicted    int `json:"evicted"`
	Passes     int `json:"passes"`
	Alerts     int `json:"alerts"`
	SinkErrors int `json:"sink_errors"`
}

// Runner owns the batch. RunLines and RunQueue must not run concurrently
// on one Runner; Stats and Batch may be called from any goroutine.
type Runner struct {
	detector  *correlation.Detector
	sink      sink.Sink
	config    Config
	parser    *parser.Parser
	validator *schema.Validator
	anomaly   *anomaly.Detector
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	batch   []schema.Event
	pending int
	stats   Stats
}

// New creates a Runner that hands alerts to out.
func New(detector *correlation.Detector, out sink.Sink, cfg Config, opts ...Option) (*Runner, error) {
	if detector == nil {
		return nil, errors.New("pipeline: detector is required")
	}
	if out == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		detector: detector,
		sink:     out,
		config:   cfg,
		parser:   parser.New(parser.DefaultConfig()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunLines parses r line by line until EOF, running a pass every
// DetectEvery accepted events and a final pass at the end.
func (r *Runner) RunLines(ctx context.Context, in io.Reader) error {
	err := r.parser.Scan(in, func(line string, ev schema.Event, ok bool) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.countLine(TransportScan, ok)
		if !ok {
			r.logger.Debug("skipping unparsed line", "line", line)
			return nil
		}
		if err := r.Accept(ctx, ev); err != nil && !errors.Is(err, errInvalid) {
			return err
		}
		return nil
	})

	if ferr := r.Flush(ctx); ferr != nil && err == nil {
		err = ferr
	}
	return err
}

// RunQueue consumes events pushed by network ingest until the queue is
// closed or ctx is done. Events still queued at shutdown are drained into
// the batch before the final pass.
func (r *Runner) RunQueue(ctx context.Context, q *queue.RingBuffer) error {
	for {
		ev, err := q.PopContext(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return r.Flush(ctx)
			}
			for _, rest := range q.Drain(0) {
				r.Accept(context.WithoutCancel(ctx), rest)
			}
			r.setQueueDepth(q.Len())
			return r.Flush(ctx)
		}

		r.setQueueDepth(q.Len())
		r.Accept(ctx, ev)
	}
}

var errInvalid = errors.New("pipeline: invalid event")

// Accept adds one event to the batch and runs a pass when DetectEvery
// events have been accepted since the previous one. Invalid events are
// counted and dropped.
func (r *Runner) Accept(ctx context.Context, ev schema.Event) error {
	if r.validator != nil {
		if err := r.validator.Validate(&ev); err != nil {
			r.mu.Lock()
			r.stats.Invalid++
			r.mu.Unlock()
			r.drop(metrics.ReasonInvalid, 1)
			r.logger.Debug("dropping invalid event", "source", ev.SourceID, "error", err)
			return fmt.Errorf("%w: %v", errInvalid, err)
		}
	}

	r.mu.Lock()
	r.batch = append(r.batch, ev)
	r.pending++
	r.stats.Accepted++
	evicted := r.evictLocked()
	due := r.pending >= r.config.DetectEvery
	size := len(r.batch)
	r.mu.Unlock()

	if evicted > 0 {
		r.drop(metrics.ReasonEvicted, evicted)
	}
	if r.metrics != nil {
		r.metrics.BatchSize.Set(float64(size))
	}
	if due {
		return r.pass(ctx, false)
	}
	return nil
}

// Flush runs the final pass if events arrived since the last one. The
// sink write survives cancellation of ctx for a short grace period.
func (r *Runner) Flush(ctx context.Context) error {
	r.mu.Lock()
	due := r.pending > 0
	r.mu.Unlock()
	if !due {
		return nil
	}

	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalPassTimeout)
		defer cancel()
	}
	return r.pass(ctx, true)
}

// evictLocked trims the batch to MaxEvents. Caller must hold the lock.
func (r *Runner) evictLocked() int {
	if r.config.MaxEvents == 0 || len(r.batch) <= r.config.MaxEvents {
		return 0
	}
	over := len(r.batch) - r.config.MaxEvents
	kept := make([]schema.Event, r.config.MaxEvents, r.config.MaxEvents+r.config.DetectEvery)
	copy(kept, r.batch[over:])
	r.batch = kept
	r.stats.Evicted += over
	return over
}

// pass evaluates the whole batch and hands the alerts to the sink. Sink
// failures are logged and counted, never returned.
func (r *Runner) pass(ctx context.Context, final bool) error {
	r.mu.Lock()
	batch := r.batch
	r.pending = 0
	r.mu.Unlock()

	start := time.Now()
	alerts := r.detector.Detect(batch)

	if final && r.anomaly != nil {
		extra, err := r.anomaly.Detect(batch, latest(batch))
		if err != nil {
			r.logger.Warn("anomaly pass failed", "error", err)
		}
		alerts = append(alerts, extra...)
	}

	r.mu.Lock()
	r.stats.Passes++
	r.stats.Alerts += len(alerts)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.DetectionPasses.Inc()
		r.metrics.DetectionDuration.Observe(time.Since(start).Seconds())
		for _, a := range alerts {
			r.metrics.AlertsEmitted.WithLabelValues(string(a.Type)).Inc()
		}
	}

	r.logger.Debug("detection pass",
		"events", len(batch),
		"alerts", len(alerts),
		"final", final,
		"duration", time.Since(start),
	)

	if len(alerts) == 0 {
		return nil
	}
	if err := r.sink.Write(ctx, alerts); err != nil {
		r.sinkFailed(err)
	}
	return nil
}

func (r *Runner) sinkFailed(err error) {
	names := sink.FailedSinks(err)
	if len(names) == 0 {
		names = []string{r.sink.Name()}
	}

	r.mu.Lock()
	r.stats.SinkErrors += len(names)
	r.mu.Unlock()

	if r.metrics != nil {
		for _, name := range names {
			r.metrics.SinkErrors.WithLabelValues(name).Inc()
		}
	}
	r.logger.Error("alert sink write failed", "sinks", names, "error", err)
}

func (r *Runner) countLine(transport string, parsed bool) {
	r.mu.Lock()
	r.stats.Lines++
	if parsed {
		r.stats.Parsed++
	} else {
		r.stats.Unparsed++
	}
	r.mu.Unlock()

	if r.metrics == nil {
		return
	}
	r.metrics.LinesRead.WithLabelValues(transport).Inc()
	if parsed {
		r.metrics.EventsParsed.WithLabelValues(transport).Inc()
	} else {
		r.metrics.EventsDropped.WithLabelValues(metrics.ReasonUnparsed).Inc()
	}
}

func (r *Runner) drop(reason string, n int) {
	if r.metrics != nil {
		r.metrics.EventsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func (r *Runner) setQueueDepth(n int) {
	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(n))
	}
}

// Stats returns a snapshot of the run counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Batch returns a copy of the accumulated events.
func (r *Runner) Batch() []schema.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.Event, len(r.batch))
	copy(out, r.batch)
	return out
}

// latest returns the newest timestamp in events, the reference time for
// the anomaly features.
func latest(events []schema.Event) time.Time {
	var t time.Time
	for _, ev := range events {
		if ev.Timestamp.After(t) {
			t = ev.Timestamp
		}
	}
	return t
}
