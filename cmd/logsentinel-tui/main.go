// Command logsentinel-tui browses alerts in the terminal, either from a
// running logsentinel serve instance or from a local scan of a log file.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"logsentinel/internal/config"
	"logsentinel/internal/correlation"
	"logsentinel/internal/parser"
	"logsentinel/internal/pipeline"
	"logsentinel/internal/schema"
	"logsentinel/internal/sink"
	"logsentinel/internal/tui"
	"logsentinel/internal/tui/api"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		serverURL   string
		input       string
		rulesPath   string
		configPath  string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "logsentinel server URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "logsentinel server URL (shorthand)")
	flag.StringVar(&input, "input", "", "Scan this log file locally instead of connecting to a server")
	flag.StringVar(&rulesPath, "rules", "", "Rule file for -input (default from config)")
	flag.StringVar(&configPath, "config", "", "Config file for -input")
	flag.Parse()

	if showVersion {
		fmt.Printf("logsentinel-tui %s\n", version)
		os.Exit(0)
	}

	var err error
	if input != "" {
		var src tui.Source
		src, err = scanLocal(configPath, rulesPath, input)
		if err == nil {
			err = tui.RunSource(src)
		}
	} else {
		fmt.Printf("Connecting to: %s\n", serverURL)
		err = tui.Run(serverURL)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// scanLocal runs detection over input and returns its alerts as a Source.
func scanLocal(configPath, rulesPath, input string) (*tui.RecentSource, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if rulesPath != "" {
		cfg.Rules.Path = rulesPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
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

	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	recent := sink.NewRecent(cfg.Sinks.RecentLimit)
	opts := []pipeline.Option{
		pipeline.WithParser(parser.New(pc)),
		pipeline.WithValidator(schema.NewValidatorWithConfig(cfg.ValidatorConfig())),
		// The terminal belongs to the UI.
		pipeline.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	if d := cfg.AnomalyDetector(); d != nil {
		opts = append(opts, pipeline.WithAnomaly(d))
	}
	runner, err := pipeline.New(detector, recent, cfg.Pipeline, opts...)
	if err != nil {
		return nil, err
	}
	if err := runner.RunLines(context.Background(), f); err != nil {
		return nil, err
	}

	st := runner.Stats()
	stats := &api.Stats{
		Status:  "scanned " + input,
		Healthy: true,
		Passes:  int64(st.Passes),
		Alerts:  int64(st.Alerts),
		Dropped: int64(st.Unparsed + st.Invalid + st.Evicted),
	}
	return tui.NewRecentSource(recent, func() *api.Stats { return stats }), nil
}
