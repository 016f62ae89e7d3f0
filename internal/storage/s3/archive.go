package s3

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"logsentinel/internal/correlation"
)

// Archiver writes alert batches as gzipped NDJSON objects keyed by the
// UTC date of the batch's first alert.
type Archiver struct {
	client *Client
	now    func() time.Time
}

// NewArchiver creates an archiver on top of client.
func NewArchiver(client *Client) *Archiver {
	return &Archiver{client: client, now: time.Now}
}

// Name identifies the archiver in logs and metrics.
func (a *Archiver) Name() string { return "s3" }

// Key returns the object key, relative to the client prefix, for a batch.
func Key(day time.Time, batchID uuid.UUID) string {
	return fmt.Sprintf("alerts/%s/%s.ndjson.gz", day.UTC().Format("2006/01/02"), batchID)
}

// Write uploads one object per call. Empty batches upload nothing.
func (a *Archiver) Write(ctx context.Context, alerts []correlation.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	body, err := encode(alerts)
	if err != nil {
		return fmt.Errorf("s3: encode alerts: %w", err)
	}

	if a.client.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.client.config.Timeout)
		defer cancel()
	}

	key := Key(alerts[0].Timestamp, uuid.New())
	_, err = a.client.Put(ctx, key, body, "application/x-ndjson", map[string]string{
		"alert-count": strconv.Itoa(len(alerts)),
		"archived-at": a.now().UTC().Format(time.RFC3339),
	})
	return err
}

// Close is a no-op; every Write is already durable.
func (a *Archiver) Close() error { return nil }

// Restore reads back the alerts stored under a full key.
func (a *Archiver) Restore(ctx context.Context, fullKey string) ([]correlation.Alert, error) {
	data, err := a.client.Get(ctx, fullKey)
	if err != nil {
		return nil, err
	}
	return decode(bytes.NewReader(data))
}

// ListDay returns the full keys archived for a UTC day.
func (a *Archiver) ListDay(ctx context.Context, day time.Time) ([]string, error) {
	return a.client.List(ctx, "alerts/"+day.UTC().Format("2006/01/02")+"/")
}

func encode(alerts []correlation.Alert) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, al := range alerts {
		if err := enc.Encode(al); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader) ([]correlation.Alert, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("s3: not a gzip archive: %w", err)
	}
	defer gz.Close()

	var alerts []correlation.Alert
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var al correlation.Alert
		if err := json.Unmarshal(sc.Bytes(), &al); err != nil {
			return nil, fmt.Errorf("s3: decode alert: %w", err)
		}
		alerts = append(alerts, al)
	}
	return alerts, sc.Err()
}
