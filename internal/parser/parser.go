// Package parser turns raw security log lines into event records.
//
// The accepted grammar is
//
//	YYYY-MM-DD HH:MM:SS, IP=<dotted-quad>, EVENT=<UPPER_SNAKE>, USER=<word>
//
// Lines that do not match are dropped silently: they are counted, never
// reported as errors.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"time"

	"logsentinel/internal/schema"
)

// TimestampLayout is the layout of the leading timestamp of a log line.
const TimestampLayout = "2006-01-02 15:04:05"

// defaultMaxLineLength bounds a single scanned line.
const defaultMaxLineLength = 64 * 1024

var linePattern = regexp.MustCompile(
	`(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}), ` +
		`IP=(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}), ` +
		`EVENT=([A-Z_]+), ` +
		`USER=(\w+)`,
)

// Config holds parser settings.
type Config struct {
	// Location is the time zone the log timestamps are written in.
	Location *time.Location
	// MaxLineLength is the longest line ParseAll will scan.
	MaxLineLength int
}

// DefaultConfig returns the default parser configuration.
func DefaultConfig() Config {
	return Config{
		Location:      time.UTC,
		MaxLineLength: defaultMaxLineLength,
	}
}

// Parser converts log lines into schema.Event records. It is stateless and
// safe for concurrent use.
type Parser struct {
	loc           *time.Location
	maxLineLength int
}

// New creates a parser with the given configuration.
func New(cfg Config) *Parser {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = defaultMaxLineLength
	}
	return &Parser{
		loc:           cfg.Location,
		maxLineLength: cfg.MaxLineLength,
	}
}

// Parse converts a single line. The second return value is false when the
// line does not match the grammar or carries an impossible date.
func (p *Parser) Parse(line string) (schema.Event, bool) {
	m := linePattern.FindStringSubmatch(line)
	if m == nil {
		return schema.Event{}, false
	}

	ts, err := time.ParseInLocation(TimestampLayout, m[1], p.loc)
	if err != nil {
		return schema.Event{}, false
	}

	return schema.Event{
		SourceID:  m[2],
		Timestamp: ts,
		Type:      schema.EventType(m[3]),
		Subject:   m[4],
	}, true
}

// Stats counts what happened while scanning a stream.
type Stats struct {
	Lines   int
	Parsed  int
	Dropped int
}

// ParseAll scans r line by line and returns the records in input order.
// Only read errors are returned; non-matching lines are counted in Stats.
func (p *Parser) ParseAll(r io.Reader) ([]schema.Event, Stats, error) {
	var (
		events []schema.Event
		stats  Stats
	)

	err := p.Scan(r, func(line string, event schema.Event, ok bool) error {
		stats.Lines++
		if !ok {
			stats.Dropped++
			return nil
		}
		stats.Parsed++
		events = append(events, event)
		return nil
	})
	return events, stats, err
}

// Scan reads r line by line and calls fn for every line with the parse
// result. It is the streaming form used by the pipeline. An error from fn
// stops the scan and is returned unchanged.
func (p *Parser) Scan(r io.Reader, fn func(line string, event schema.Event, ok bool) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), p.maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		event, ok := p.Parse(line)
		if err := fn(line, event, ok); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("parser: scan: %w", err)
	}
	return nil
}

// Format renders an event back into the log line grammar.
func Format(e schema.Event) string {
	return fmt.Sprintf("%s, IP=%s, EVENT=%s, USER=%s",
		e.Timestamp.Format(TimestampLayout), e.SourceID, e.Type, e.Subject)
}
