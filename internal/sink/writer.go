package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"logsentinel/internal/correlation"
)

// Format selects how alerts are rendered by Writer sinks.
type Format string

const (
	// FormatText writes the alert description, one per line.
	FormatText Format = "text"
	// FormatNDJSON writes one JSON object per line.
	FormatNDJSON Format = "ndjson"
)

// ParseFormat validates a format name. The empty string means text.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatText:
		return FormatText, nil
	case FormatNDJSON:
		return FormatNDJSON, nil
	default:
		return "", fmt.Errorf("sink: unknown format %q", s)
	}
}

// Writer renders alerts to an io.Writer.
type Writer struct {
	name   string
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	format Format
}

// NewWriter writes to w. It does not close w.
func NewWriter(name string, w io.Writer, format Format) *Writer {
	return &Writer{name: name, w: bufio.NewWriter(w), format: format}
}

// NewFile appends to path, creating it and its directory when missing.
// With truncate the file is emptied first.
func NewFile(path string, format Format, truncate bool) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sink: create %s: %w", dir, err)
		}
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	w := NewWriter("file", f, format)
	w.closer = f
	return w, nil
}

// Name implements Sink.
func (w *Writer) Name() string { return w.name }

// Write renders every alert and flushes, so each pass is durable before
// the next one starts.
func (w *Writer) Write(_ context.Context, alerts []correlation.Alert) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, a := range alerts {
		if err := w.render(a); err != nil {
			return fmt.Errorf("sink %s: write: %w", w.name, err)
		}
	}
	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("sink %s: flush: %w", w.name, err)
	}
	return nil
}

func (w *Writer) render(a correlation.Alert) error {
	if w.format == FormatNDJSON {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = w.w.Write(data)
		return err
	}
	_, err := fmt.Fprintln(w.w, a.Description)
	return err
}

// Close flushes and closes the underlying file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.w.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}
