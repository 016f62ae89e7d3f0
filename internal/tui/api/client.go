// Package api fetches alerts and service health for the terminal UI.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"

	"logsentinel/internal/correlation"
	"logsentinel/internal/sink"
)

// Client talks to a running logsentinel serve instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	QueueDropped  uint64 `json:"queue_dropped"`
	UptimeSeconds int    `json:"uptime_seconds"`
}

// Stats combines health with the detection counters from /metrics.
type Stats struct {
	Healthy       bool
	Status        string
	Uptime        string
	QueueDepth    int
	QueueCapacity int
	Passes        int64
	Alerts        int64
	Dropped       int64
}

// NewClient creates a new API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
	return resp, nil
}

// GetAlerts fetches the newest alerts, optionally of one rule class.
func (c *Client) GetAlerts(ctx context.Context, kind correlation.RuleType, limit int) (*sink.AlertsResponse, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("type", string(kind))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/alerts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out sink.AlertsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// GetHealth fetches health status.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.get(ctx, "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// GetStats fetches health and, when reachable, the Prometheus counters.
// A failed health check is reported through the returned Stats.
func (c *Client) GetStats(ctx context.Context) *Stats {
	stats := &Stats{Status: "unreachable"}

	health, err := c.GetHealth(ctx)
	if err != nil {
		return stats
	}
	stats.Status = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueDepth = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.Uptime = formatUptime(health.UptimeSeconds)

	resp, err := c.get(ctx, "/metrics")
	if err != nil {
		return stats
	}
	defer resp.Body.Close()

	m, err := parsePrometheusMetrics(resp.Body)
	if err != nil {
		return stats
	}
	stats.Passes = int64(m["logsentinel_detection_passes_total"])
	stats.Alerts = int64(m["logsentinel_alerts_emitted_total"])
	stats.Dropped = int64(m["logsentinel_events_dropped_total"])
	return stats
}

// parsePrometheusMetrics reads the text exposition format and sums the
// counter, gauge and untyped samples of each family across label sets.
func parsePrometheusMetrics(r io.Reader) (map[string]float64, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	sums := make(map[string]float64, len(families))
	for name, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				sums[name] += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sums[name] += m.GetGauge().GetValue()
			case dto.MetricType_UNTYPED:
				sums[name] += m.GetUntyped().GetValue()
			}
		}
	}
	return sums, nil
}

func formatUptime(seconds int) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
