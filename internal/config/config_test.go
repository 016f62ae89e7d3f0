package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"logsentinel/internal/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 30s", cfg.Server.ReadTimeout)
	}
	if cfg.Queue.Size != 100000 {
		t.Errorf("Queue.Size = %d, want 100000", cfg.Queue.Size)
	}
	if cfg.Pipeline.DetectEvery != 10 {
		t.Errorf("Pipeline.DetectEvery = %d, want 10", cfg.Pipeline.DetectEvery)
	}
	if cfg.Sinks.File.Path != "output/suspicious_events.txt" {
		t.Errorf("Sinks.File.Path = %q", cfg.Sinks.File.Path)
	}
	if !cfg.Sinks.Stdout.Enabled {
		t.Error("stdout sink should be enabled by default")
	}
	if cfg.Ingest.DTLS.Enabled || cfg.Ingest.Kafka.Enabled {
		t.Error("dtls and kafka ingest should be disabled by default")
	}
	if cfg.Rules.Inline.Len() != 2 {
		t.Errorf("inline rules = %d, want 2", cfg.Rules.Inline.Len())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:    "empty server addr",
			modify:  func(c *Config) { c.Server.Addr = "" },
			wantErr: "addr is required",
		},
		{
			name:    "zero queue size",
			modify:  func(c *Config) { c.Queue.Size = 0 },
			wantErr: "queue",
		},
		{
			name:    "unknown timezone",
			modify:  func(c *Config) { c.Parser.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "detect every zero",
			modify:  func(c *Config) { c.Pipeline.DetectEvery = 0 },
			wantErr: "detect_every",
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "chatty" },
			wantErr: "level",
		},
		{
			name:    "empty inline rules",
			modify:  func(c *Config) { c.Rules.Inline.Threshold = nil; c.Rules.Inline.Sequence = nil },
			wantErr: "rules",
		},
		{
			name: "inline rules ignored with a path",
			modify: func(c *Config) {
				c.Rules.Inline.Threshold = nil
				c.Rules.Inline.Sequence = nil
				c.Rules.Path = "rules.yaml"
			},
		},
		{
			name: "anomaly bad failure type",
			modify: func(c *Config) {
				c.Anomaly.Enabled = true
				c.Anomaly.FailureType = "login_failed"
			},
			wantErr: "failure_type",
		},
		{
			name:    "dtls without certificates",
			modify:  func(c *Config) { c.Ingest.DTLS.Enabled = true },
			wantErr: "certificate",
		},
		{
			name: "insecure dtls",
			modify: func(c *Config) {
				c.Ingest.DTLS.Enabled = true
				c.Ingest.DTLS.AllowInsecure = true
			},
		},
		{
			name: "kafka ingest without brokers",
			modify: func(c *Config) {
				c.Ingest.Kafka.Enabled = true
				c.Kafka.Brokers = nil
			},
			wantErr: "broker",
		},
		{
			name: "kafka sink without alert topic",
			modify: func(c *Config) {
				c.Sinks.Kafka.Enabled = true
				c.Kafka.AlertTopic = ""
			},
			wantErr: "alert_topic",
		},
		{
			name: "disabled sinks are not checked",
			modify: func(c *Config) {
				c.Sinks.File.Format = "xml"
				c.Sinks.S3.Bucket = ""
			},
		},
		{
			name: "file sink bad format",
			modify: func(c *Config) {
				c.Sinks.File.Enabled = true
				c.Sinks.File.Format = "xml"
			},
			wantErr: "sinks.file",
		},
		{
			name: "clickhouse unsafe database",
			modify: func(c *Config) {
				c.Sinks.ClickHouse.Enabled = true
				c.Sinks.ClickHouse.Connection.Database = "alerts; DROP"
			},
			wantErr: "database",
		},
		{
			name: "s3 without bucket",
			modify: func(c *Config) {
				c.Sinks.S3.Enabled = true
				c.Sinks.S3.Bucket = ""
			},
			wantErr: "bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":9090"
pipeline:
  detect_every: 25
parser:
  timezone: Europe/Berlin
rules:
  inline:
    threshold:
      - name: many-scans
        event_type: PORT_SCAN
        threshold: 10
        window: 1m
sinks:
  file:
    enabled: true
    path: /tmp/alerts.txt
    format: ndjson
  redis:
    enabled: true
    addr: redis:6379
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("unset fields should keep defaults, ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Pipeline.DetectEvery != 25 || cfg.Pipeline.MaxEvents != 100000 {
		t.Errorf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Sinks.File.Format != "ndjson" || !cfg.Sinks.File.Enabled {
		t.Errorf("Sinks.File = %+v", cfg.Sinks.File)
	}
	if cfg.Sinks.Redis.Addr != "redis:6379" || cfg.Sinks.Redis.ListKey != "logsentinel:alerts" {
		t.Errorf("Sinks.Redis = %+v", cfg.Sinks.Redis)
	}

	loc, err := cfg.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Errorf("Location() = %v, %v", loc, err)
	}

	rules, err := cfg.LoadRules()
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if len(rules.Threshold) != 1 || rules.Threshold[0].Name != "many-scans" || len(rules.Sequence) != 0 {
		t.Errorf("rules = %+v", rules)
	}
	if rules.Threshold[0].Window != time.Minute || rules.Threshold[0].EventType != schema.EventPortScan {
		t.Errorf("threshold rule = %+v", rules.Threshold[0])
	}
}

func TestLoadFile_Missing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("missing file should yield defaults, Server.Addr = %q", cfg.Server.Addr)
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeFile(t, "config.yaml", "server: [unclosed")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("LoadFile() accepted malformed yaml")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOGSENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LOGSENTINEL_LOG_LEVEL", "debug")
	t.Setenv("LOGSENTINEL_HTTP_ADDR", ":7070")
	t.Setenv("LOGSENTINEL_RULES_PATH", "/etc/logsentinel/rules.yaml")
	t.Setenv("LOGSENTINEL_DETECT_EVERY", "3")
	t.Setenv("LOGSENTINEL_API_KEY", "k-123")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("CLICKHOUSE_HOST", "ch1:9000,ch2:9000")
	t.Setenv("CLICKHOUSE_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("Server.Addr = %q", cfg.Server.Addr)
	}
	if cfg.Rules.Path != "/etc/logsentinel/rules.yaml" {
		t.Errorf("Rules.Path = %q", cfg.Rules.Path)
	}
	if cfg.Pipeline.DetectEvery != 3 {
		t.Errorf("Pipeline.DetectEvery = %d", cfg.Pipeline.DetectEvery)
	}
	if !cfg.Ingest.HTTP.Auth.Enabled || len(cfg.Ingest.HTTP.Auth.APIKeys) != 1 {
		t.Errorf("Auth = %+v", cfg.Ingest.HTTP.Auth)
	}
	if got := strings.Join(cfg.Kafka.Brokers, ","); got != "k1:9092,k2:9092" {
		t.Errorf("Kafka.Brokers = %q", got)
	}
	if cfg.Sinks.Redis.Addr != "cache:6379" {
		t.Errorf("Sinks.Redis.Addr = %q", cfg.Sinks.Redis.Addr)
	}
	if len(cfg.Sinks.ClickHouse.Connection.Hosts) != 2 || cfg.Sinks.ClickHouse.Connection.Password != "pw" {
		t.Errorf("ClickHouse = %+v", cfg.Sinks.ClickHouse.Connection)
	}
}

func TestLoad_BadDetectEvery(t *testing.T) {
	t.Setenv("LOGSENTINEL_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("LOGSENTINEL_DETECT_EVERY", "often")
	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted a non-numeric LOGSENTINEL_DETECT_EVERY")
	}
}

func TestParserAndValidatorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Parser.MaxLineLength = 512
	cfg.Validation.MaxFuture = time.Minute

	pc, err := cfg.ParserConfig()
	if err != nil {
		t.Fatalf("ParserConfig() error = %v", err)
	}
	if pc.Location != time.UTC || pc.MaxLineLength != 512 {
		t.Errorf("ParserConfig() = %+v", pc)
	}
	if vc := cfg.ValidatorConfig(); vc.MaxFuture != time.Minute || vc.MaxAge != 0 {
		t.Errorf("ValidatorConfig() = %+v", vc)
	}
}

func TestAnomalyDetector(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.AnomalyDetector() != nil {
		t.Error("disabled anomaly config should yield nil")
	}
	cfg.Anomaly.Enabled = true
	if cfg.AnomalyDetector() == nil {
		t.Error("enabled anomaly config should yield a detector")
	}
}
