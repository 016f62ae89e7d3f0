// Package config loads the logsentinel configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"logsentinel/internal/anomaly"
	"logsentinel/internal/correlation"
	"logsentinel/internal/ingest"
	"logsentinel/internal/kafka"
	"logsentinel/internal/logging"
	"logsentinel/internal/parser"
	"logsentinel/internal/pipeline"
	"logsentinel/internal/schema"
	"logsentinel/internal/sink"
	"logsentinel/internal/storage"
	"logsentinel/internal/storage/s3"
)

// DefaultPath is read when LOGSENTINEL_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Config holds the complete application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Rules      RulesConfig      `yaml:"rules"`
	Parser     ParserConfig     `yaml:"parser"`
	Validation ValidationConfig `yaml:"validation"`
	Queue      QueueConfig      `yaml:"queue"`
	Pipeline   pipeline.Config  `yaml:"pipeline"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Kafka      *kafka.Config    `yaml:"kafka"`
	Sinks      SinksConfig      `yaml:"sinks"`
	Logging    logging.Config   `yaml:"logging"`
}

// ServerConfig holds the HTTP server settings of the serve command.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RulesConfig selects the detection rules. A rule file takes precedence
// over inline rules.
type RulesConfig struct {
	Path   string              `yaml:"path"`
	Inline correlation.RuleSet `yaml:"inline"`
}

// ParserConfig holds log line parsing settings.
type ParserConfig struct {
	// Timezone is the IANA zone the log timestamps are written in.
	Timezone      string `yaml:"timezone"`
	MaxLineLength int    `yaml:"max_line_length"`
}

// ValidationConfig bounds event timestamps. Zero disables a bound.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// QueueConfig holds ingest queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// AnomalyConfig enables the statistical pass on final detection passes.
type AnomalyConfig struct {
	Enabled     bool           `yaml:"enabled"`
	Name        string         `yaml:"name"`
	FailureType string         `yaml:"failure_type"`
	Scorer      anomaly.Config `yaml:"scorer"`
}

// IngestConfig holds the network transports of the serve command.
type IngestConfig struct {
	TCP   ingest.TCPServerConfig  `yaml:"tcp"`
	DTLS  ingest.DTLSServerConfig `yaml:"dtls"`
	HTTP  ingest.HTTPConfig       `yaml:"http"`
	Kafka KafkaIngestConfig       `yaml:"kafka"`
}

// KafkaIngestConfig consumes log lines from the log topic.
type KafkaIngestConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SinksConfig selects where alerts go. Every enabled sink receives every
// alert.
type SinksConfig struct {
	RecentLimit int              `yaml:"recent_limit"`
	Stdout      StdoutSinkConfig `yaml:"stdout"`
	File        FileSinkConfig   `yaml:"file"`
	Kafka       KafkaSinkConfig  `yaml:"kafka"`
	Redis       RedisSinkConfig  `yaml:"redis"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	S3          S3SinkConfig     `yaml:"s3"`
}

// StdoutSinkConfig writes alerts to standard output.
type StdoutSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
}

// FileSinkConfig appends alerts to a file.
type FileSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Format  string `yaml:"format"`
	// Truncate empties the file at startup.
	Truncate bool `yaml:"truncate"`
}

// KafkaSinkConfig publishes alerts to the alert topic.
type KafkaSinkConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RedisSinkConfig pushes alerts to a capped list and a channel.
type RedisSinkConfig struct {
	Enabled          bool `yaml:"enabled"`
	sink.RedisConfig `yaml:",inline"`
}

// ClickHouseConfig stores alerts in ClickHouse.
type ClickHouseConfig struct {
	Enabled    bool                      `yaml:"enabled"`
	Connection storage.ClickHouseConfig  `yaml:"connection"`
	Writer     storage.AlertWriterConfig `yaml:"writer"`
	Retention  storage.RetentionConfig   `yaml:"retention"`
}

// S3SinkConfig archives alert batches to S3.
type S3SinkConfig struct {
	Enabled   bool `yaml:"enabled"`
	s3.Config `yaml:",inline"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Rules: RulesConfig{
			Inline: correlation.DefaultRuleSet(),
		},
		Parser: ParserConfig{
			Timezone:      "UTC",
			MaxLineLength: 64 * 1024,
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Pipeline: pipeline.DefaultConfig(),
		Anomaly: AnomalyConfig{
			Name:        "login-outlier",
			FailureType: string(schema.EventLoginFailed),
			Scorer:      anomaly.DefaultConfig(),
		},
		Ingest: IngestConfig{
			TCP:  ingest.DefaultTCPServerConfig(),
			DTLS: ingest.DefaultDTLSServerConfig(),
			HTTP: ingest.DefaultHTTPConfig(),
		},
		Kafka: kafka.DefaultConfig(),
		Sinks: SinksConfig{
			RecentLimit: 1000,
			Stdout:      StdoutSinkConfig{Enabled: true, Format: string(sink.FormatText)},
			File: FileSinkConfig{
				Path:   "output/suspicious_events.txt",
				Format: string(sink.FormatText),
			},
			Redis: RedisSinkConfig{RedisConfig: sink.DefaultRedisConfig()},
			ClickHouse: ClickHouseConfig{
				Connection: storage.DefaultClickHouseConfig(),
				Writer:     storage.DefaultAlertWriterConfig(),
				Retention:  storage.DefaultRetentionConfig(),
			},
			S3: S3SinkConfig{Config: *s3.DefaultConfig()},
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads the file named by LOGSENTINEL_CONFIG_PATH, or DefaultPath. A
// missing file yields the defaults. Environment overrides apply either way.
func Load() (*Config, error) {
	path := os.Getenv("LOGSENTINEL_CONFIG_PATH")
	if path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if level := os.Getenv("LOGSENTINEL_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LOGSENTINEL_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if addr := os.Getenv("LOGSENTINEL_HTTP_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("LOGSENTINEL_RULES_PATH"); path != "" {
		c.Rules.Path = path
	}
	if every := os.Getenv("LOGSENTINEL_DETECT_EVERY"); every != "" {
		n, err := strconv.Atoi(every)
		if err != nil {
			return fmt.Errorf("LOGSENTINEL_DETECT_EVERY: %w", err)
		}
		c.Pipeline.DetectEvery = n
	}
	if key := os.Getenv("LOGSENTINEL_API_KEY"); key != "" {
		c.Ingest.HTTP.Auth.APIKeys = append(c.Ingest.HTTP.Auth.APIKeys, key)
		c.Ingest.HTTP.Auth.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Sinks.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Sinks.Redis.Password = pass
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Sinks.ClickHouse.Connection.Hosts = splitAndTrim(host, ",")
	}
	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Sinks.ClickHouse.Connection.Database = db
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Sinks.ClickHouse.Connection.Username = user
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Sinks.ClickHouse.Connection.Password = pass
	}

	if bucket := os.Getenv("LOGSENTINEL_S3_BUCKET"); bucket != "" {
		c.Sinks.S3.Bucket = bucket
	}
	return nil
}

// splitAndTrim splits s on sep and drops empty parts.
func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration. Sections of disabled components
// are not checked.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server: addr is required")
	}
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue: size must be positive, got %d", c.Queue.Size)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if c.Rules.Path == "" {
		if err := c.Rules.Inline.Validate(); err != nil {
			return fmt.Errorf("rules: %w", err)
		}
	}
	if c.Anomaly.Enabled && !schema.ValidateEventType(c.Anomaly.FailureType) {
		return fmt.Errorf("anomaly: invalid failure_type %q", c.Anomaly.FailureType)
	}

	if c.Ingest.TCP.Enabled {
		if err := c.Ingest.TCP.Validate(); err != nil {
			return err
		}
	}
	if c.Ingest.DTLS.Enabled {
		if err := c.Ingest.DTLS.Validate(); err != nil {
			return err
		}
	}
	if c.Ingest.Kafka.Enabled || c.Sinks.Kafka.Enabled {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Ingest.Kafka.Enabled && c.Kafka.LogTopic == "" {
		return errors.New("kafka: log_topic is required for kafka ingest")
	}
	if c.Sinks.Kafka.Enabled && c.Kafka.AlertTopic == "" {
		return errors.New("kafka: alert_topic is required for the kafka sink")
	}

	if err := c.validateSinks(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateSinks() error {
	s := c.Sinks
	if s.Stdout.Enabled {
		if _, err := sink.ParseFormat(s.Stdout.Format); err != nil {
			return fmt.Errorf("sinks.stdout: %w", err)
		}
	}
	if s.File.Enabled {
		if s.File.Path == "" {
			return errors.New("sinks.file: path is required")
		}
		if _, err := sink.ParseFormat(s.File.Format); err != nil {
			return fmt.Errorf("sinks.file: %w", err)
		}
	}
	if s.Redis.Enabled && s.Redis.Addr == "" {
		return errors.New("sinks.redis: addr is required")
	}
	if s.ClickHouse.Enabled {
		if err := s.ClickHouse.Connection.Validate(); err != nil {
			return err
		}
	}
	if s.S3.Enabled {
		if err := s.S3.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Location resolves the parser time zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Parser.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Parser.Timezone)
	if err != nil {
		return nil, fmt.Errorf("parser: invalid timezone %q: %w", c.Parser.Timezone, err)
	}
	return loc, nil
}

// ParserConfig returns the parser settings.
func (c *Config) ParserConfig() (parser.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return parser.Config{}, err
	}
	return parser.Config{Location: loc, MaxLineLength: c.Parser.MaxLineLength}, nil
}

// ValidatorConfig returns the event validator settings.
func (c *Config) ValidatorConfig() schema.ValidatorConfig {
	return schema.ValidatorConfig{
		MaxAge:    c.Validation.MaxEventAge,
		MaxFuture: c.Validation.MaxFuture,
	}
}

// LoadRules returns the rule file when one is configured, else the inline
// rules, validated either way.
func (c *Config) LoadRules() (correlation.RuleSet, error) {
	if c.Rules.Path != "" {
		return correlation.LoadRuleSet(c.Rules.Path)
	}
	if err := c.Rules.Inline.Validate(); err != nil {
		return correlation.RuleSet{}, err
	}
	return c.Rules.Inline.Clone(), nil
}

// AnomalyDetector returns the configured detector, or nil when disabled.
func (c *Config) AnomalyDetector() *anomaly.Detector {
	if !c.Anomaly.Enabled {
		return nil
	}
	return anomaly.NewDetector(c.Anomaly.Name, schema.EventType(c.Anomaly.FailureType), c.Anomaly.Scorer)
}
