package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"logsentinel/internal/config"
	"logsentinel/internal/correlation"
	"logsentinel/internal/kafka"
	"logsentinel/internal/logging"
	"logsentinel/internal/metrics"
	"logsentinel/internal/parser"
	"logsentinel/internal/pipeline"
	"logsentinel/internal/schema"
	"logsentinel/internal/sink"
	"logsentinel/internal/storage"
	"logsentinel/internal/storage/s3"
)

// loadConfig reads path, or the LOGSENTINEL_CONFIG_PATH file when path is
// empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}

// app is the detection stack shared by scan and serve.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	parser    *parser.Parser
	validator *schema.Validator
	detector  *correlation.Detector
	recent    *sink.Recent
	stdout    io.Writer
	sinks     *sink.Multi
	cleanup   []func() error
}

// newApp validates cfg and builds the logger, detector and sinks. The
// stdout sink writes to stdout. Close releases the sinks.
func newApp(ctx context.Context, cfg *config.Config, stdout io.Writer) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}

	rules, err := cfg.LoadRules()
	if err != nil {
		return nil, err
	}
	detector, err := correlation.NewDetector(rules)
	if err != nil {
		return nil, err
	}

	pc, err := cfg.ParserConfig()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(),
		parser:    parser.New(pc),
		validator: schema.NewValidatorWithConfig(cfg.ValidatorConfig()),
		detector:  detector,
		recent:    sink.NewRecent(cfg.Sinks.RecentLimit),
		stdout:    stdout,
	}

	if err := a.buildSinks(ctx); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("detection configured",
		"threshold_rules", len(rules.Threshold),
		"sequence_rules", len(rules.Sequence),
		"detect_every", cfg.Pipeline.DetectEvery,
		"anomaly", cfg.Anomaly.Enabled,
		"sinks", sinkNames(a.sinks),
	)
	return a, nil
}

// buildSinks opens every enabled sink. The Recent sink is always first.
func (a *app) buildSinks(ctx context.Context) error {
	cfg := a.cfg.Sinks
	out := []sink.Sink{a.recent}
	add := func(s sink.Sink) {
		out = append(out, s)
		a.cleanup = append(a.cleanup, s.Close)
	}

	if cfg.Stdout.Enabled {
		format, _ := sink.ParseFormat(cfg.Stdout.Format)
		out = append(out, sink.NewWriter("stdout", a.stdout, format))
	}

	if cfg.File.Enabled {
		format, _ := sink.ParseFormat(cfg.File.Format)
		f, err := sink.NewFile(cfg.File.Path, format, cfg.File.Truncate)
		if err != nil {
			return err
		}
		add(f)
	}

	if cfg.Kafka.Enabled {
		p, err := kafka.NewProducer(a.cfg.Kafka, a.logger)
		if err != nil {
			return err
		}
		add(p)
	}

	if cfg.Redis.Enabled {
		r, err := sink.NewRedis(ctx, cfg.Redis.RedisConfig)
		if err != nil {
			return err
		}
		add(r)
	}

	if cfg.ClickHouse.Enabled {
		w, err := a.openClickHouse(ctx)
		if err != nil {
			return err
		}
		add(w)
	}

	if cfg.S3.Enabled {
		client, err := s3.NewClient(ctx, &cfg.S3.Config, a.logger)
		if err != nil {
			return err
		}
		add(s3.NewArchiver(client))
	}

	a.sinks = sink.NewMulti(out...)
	return nil
}

// openClickHouse connects, migrates, applies retention and returns the
// alert writer. The client is closed after the writer.
func (a *app) openClickHouse(ctx context.Context) (*storage.AlertWriter, error) {
	cfg := a.cfg.Sinks.ClickHouse

	client, err := storage.NewClickHouseClient(ctx, cfg.Connection)
	if err != nil {
		return nil, err
	}
	a.cleanup = append(a.cleanup, client.Close)

	if err := client.EnsureDatabase(ctx); err != nil {
		return nil, storage.WrapQueryError("EnsureDatabase", "", err)
	}
	a.logger.Info("running database migrations", "database", client.Database())
	if err := storage.NewMigrator(client).Run(ctx); err != nil {
		return nil, err
	}
	if err := storage.NewRetentionManager(client, cfg.Retention).ApplyTTLs(ctx); err != nil {
		return nil, err
	}
	return storage.NewAlertWriter(client, cfg.Writer), nil
}

// pipeline builds a Runner over the app's sinks.
func (a *app) pipeline() (*pipeline.Runner, error) {
	opts := []pipeline.Option{
		pipeline.WithParser(a.parser),
		pipeline.WithValidator(a.validator),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.logger),
	}
	if d := a.cfg.AnomalyDetector(); d != nil {
		opts = append(opts, pipeline.WithAnomaly(d))
	}
	return pipeline.New(a.detector, a.sinks, a.cfg.Pipeline, opts...)
}

// Close releases sinks and connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.cleanup = nil
	return errors.Join(errs...)
}

func sinkNames(m *sink.Multi) []string {
	if m == nil {
		return nil
	}
	var names []string
	for _, s := range m.Sinks() {
		names = append(names, s.Name())
	}
	return names
}
