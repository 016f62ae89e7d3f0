package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"logsentinel/internal/config"
	"logsentinel/internal/correlation"
	"logsentinel/internal/ingest"
	"logsentinel/internal/kafka"
	"logsentinel/internal/queue"
	"logsentinel/internal/sink"
)

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Config file (default $LOGSENTINEL_CONFIG_PATH or configs/config.yaml)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// server holds the running ingest side of serve.
type server struct {
	app      *app
	queue    *queue.RingBuffer
	intake   *ingest.Intake
	http     *http.Server
	limiter  *ingest.RateLimiter
	tcp      *ingest.TCPServer
	dtls     *ingest.DTLSServer
	consumer *kafka.Consumer
}

// serve runs until ctx is done or a listener fails, then shuts down in
// order: stop intake, close the queue, let the pipeline run its final pass,
// close the sinks.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			a.logger.Error("failed to close sinks", "error", err)
		}
	}()

	runner, err := a.pipeline()
	if err != nil {
		return err
	}

	s := &server{
		app:   a,
		queue: queue.NewRingBuffer(cfg.Queue.Size),
	}
	s.intake = ingest.NewIntake(a.parser, a.validator, s.queue, a.metrics, a.logger)

	// The pipeline outlives ctx so that it can drain the queue once
	// intake has stopped.
	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- runner.RunQueue(context.WithoutCancel(ctx), s.queue)
	}()

	errCh := make(chan error, 3)
	startErr := s.start(ctx, errCh)

	if startErr == nil {
		a.logger.Info("logsentinel started", "http_addr", cfg.Server.Addr, "queue_size", cfg.Queue.Size)
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received")
		case startErr = <-errCh:
			a.logger.Error("listener failed", "error", startErr)
		}
	}

	s.shutdown()

	if err := <-pipelineDone; err != nil {
		a.logger.Error("pipeline stopped with error", "error", err)
	}

	st := runner.Stats()
	qm := s.queue.Metrics()
	a.logger.Info("shutdown complete",
		"events_queued", qm.Pushed,
		"events_dropped", qm.Dropped,
		"passes", st.Passes,
		"alerts", st.Alerts,
		"sink_errors", st.SinkErrors,
	)
	return startErr
}

// start brings up the HTTP server and every enabled transport. Runtime
// failures of long-running listeners are sent to errCh.
func (s *server) start(ctx context.Context, errCh chan<- error) error {
	cfg, logger := s.app.cfg, s.app.logger

	if cfg.Ingest.TCP.Enabled {
		s.tcp = ingest.NewTCPServer(cfg.Ingest.TCP, s.intake, logger)
		if err := s.tcp.Start(ctx); err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
	}

	if cfg.Ingest.DTLS.Enabled {
		d, err := ingest.NewDTLSServer(cfg.Ingest.DTLS, s.intake, logger)
		if err != nil {
			return fmt.Errorf("dtls listener: %w", err)
		}
		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("dtls listener: %w", err)
		}
		s.dtls = d
	}

	if cfg.Ingest.Kafka.Enabled {
		c, err := kafka.NewConsumer(cfg.Kafka, s.intake.KafkaHandler(), logger)
		if err != nil {
			return fmt.Errorf("kafka consumer: %w", err)
		}
		s.consumer = c
		go func() {
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, kafka.ErrConsumerClosed) {
				errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info("starting http server", "address", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	return nil
}

func (s *server) routes() http.Handler {
	cfg := s.app.cfg.Ingest.HTTP
	mux := http.NewServeMux()

	lines := ingest.NewHandler(s.intake, s.queue, cfg)
	if cfg.Enabled {
		lines.RegisterRoutes(mux)
	} else {
		mux.HandleFunc("GET /health", lines.HealthCheck)
	}
	mux.Handle("GET /metrics", s.app.metrics.Handler())
	correlation.NewRuleHandler(s.app.detector, s.app.parser, s.app.validator).RegisterRoutes(mux)
	sink.NewRecentHandler(s.app.recent).RegisterRoutes(mux)

	if cfg.RateLimit.Enabled {
		s.limiter = ingest.NewRateLimiter(cfg.RateLimit)
	}
	return ingest.WithMiddleware(mux, cfg.Auth, s.limiter)
}

func (s *server) shutdown() {
	logger := s.app.logger

	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.app.cfg.Server.ShutdownTimeout)
		if err := s.http.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		cancel()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.dtls != nil {
		s.dtls.Stop()
	}
	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			logger.Error("kafka consumer stop error", "error", err)
		}
	}

	s.queue.Close()
}
