package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"logsentinel/internal/config"
)

const defaultInput = "logs/sample.log"

func runScan(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Config file (default $LOGSENTINEL_CONFIG_PATH or configs/config.yaml)")
	rulesPath := fs.String("rules", "", "Rule file overriding the configured rules")
	input := fs.String("input", defaultInput, "Log file to scan, - for stdin")
	output := fs.String("output", "", "Alert file, emptied before the scan (default from config)")
	detectEvery := fs.Int("detect-every", 0, "Accepted events between detection passes (default from config)")
	quiet := fs.Bool("quiet", false, "Do not print alerts to stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *rulesPath != "" {
		cfg.Rules.Path = *rulesPath
	}
	if *output != "" {
		cfg.Sinks.File.Path = *output
	}
	if *detectEvery > 0 {
		cfg.Pipeline.DetectEvery = *detectEvery
	}
	if *quiet {
		cfg.Sinks.Stdout.Enabled = false
	}
	// A scan always starts a fresh alert file.
	cfg.Sinks.File.Enabled = true
	cfg.Sinks.File.Truncate = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scan(ctx, cfg, *input, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func scan(ctx context.Context, cfg *config.Config, input string, stdout io.Writer) (err error) {
	in := os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	a, err := newApp(ctx, cfg, stdout)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	runner, err := a.pipeline()
	if err != nil {
		return err
	}

	a.logger.Info("scanning", "input", input)
	if err := runner.RunLines(ctx, in); err != nil {
		return err
	}

	st := runner.Stats()
	a.logger.Info("scan complete",
		"lines", st.Lines,
		"parsed", st.Parsed,
		"unparsed", st.Unparsed,
		"invalid", st.Invalid,
		"passes", st.Passes,
		"alerts", st.Alerts,
		"sink_errors", st.SinkErrors,
	)
	fmt.Fprintf(stdout, "Done processing logs. %d unique alert(s) written to %s.\n",
		len(a.recent.Alerts()), cfg.Sinks.File.Path)
	return nil
}
