package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"

	"logsentinel/internal/queue"
)

// HTTPConfig holds settings for the HTTP line endpoint.
type HTTPConfig struct {
	Enabled        bool            `yaml:"enabled"`
	MaxPayloadSize int             `yaml:"max_payload_size"`
	MaxBatchSize   int             `yaml:"max_batch_size"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// DefaultHTTPConfig returns the default HTTP ingest configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Enabled:        true,
		MaxPayloadSize: 10 * 1024 * 1024,
		MaxBatchSize:   1000,
		Auth:           DefaultAuthConfig(),
		RateLimit:      DefaultRateLimitConfig(),
	}
}

// Handler serves HTTP line ingestion and the health probe.
type Handler struct {
	intake     *Intake
	queue      *queue.RingBuffer
	maxPayload int
	maxBatch   int
	startTime  time.Time
}

// NewHandler creates a handler pushing through intake into q.
func NewHandler(intake *Intake, q *queue.RingBuffer, cfg HTTPConfig) *Handler {
	h := &Handler{
		intake:     intake,
		queue:      q,
		maxPayload: cfg.MaxPayloadSize,
		maxBatch:   cfg.MaxBatchSize,
		startTime:  time.Now(),
	}
	if h.maxPayload <= 0 {
		h.maxPayload = DefaultHTTPConfig().MaxPayloadSize
	}
	if h.maxBatch <= 0 {
		h.maxBatch = DefaultHTTPConfig().MaxBatchSize
	}
	return h
}

// RegisterRoutes registers the ingest routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/lines", h.HandleLines)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// LinesRequest is the JSON form of a line batch.
type LinesRequest struct {
	Lines []string `json:"lines"`
}

// IngestResponse is the response for line ingestion. Rejected is the sum
// of Unparsed, Invalid and Dropped.
type IngestResponse struct {
	Success  bool `json:"success"`
	Accepted int  `json:"accepted"`
	Unparsed int  `json:"unparsed"`
	Invalid  int  `json:"invalid"`
	// Dropped counts valid events the queue had no room for.
	Dropped   int      `json:"dropped"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

func (r *IngestResponse) count(err error) {
	switch {
	case err == nil:
		r.Accepted++
		return
	case errors.Is(err, ErrUnparsed):
		r.Unparsed++
	case errors.Is(err, ErrInvalid):
		r.Invalid++
	default:
		r.Dropped++
	}
	r.Rejected++
}

// HandleLines handles POST /v1/lines. The body is either raw
// newline-delimited log lines or a JSON LinesRequest.
func (h *Handler) HandleLines(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	lines, err := decodeLines(r.Header.Get("Content-Type"), body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(lines) == 0 {
		respondError(w, http.StatusBadRequest, "no lines provided", requestID)
		return
	}
	if len(lines) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID}
	for i, line := range lines {
		err := h.intake.HandleLine(TransportHTTP, line)
		resp.count(err)
		if err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("line[%d]: %s", i, err))
		}
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

func decodeLines(contentType string, body []byte) ([]string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		var req LinesRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("invalid JSON: %v", err)
		}
		return req.Lines, nil
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			lines = append(lines, string(line))
		}
	}
	return lines, sc.Err()
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	m := h.queue.Metrics()

	status := "healthy"
	if m.Depth > int(float64(m.Capacity)*0.9) {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"queue_depth":    m.Depth,
		"queue_capacity": m.Capacity,
		"queue_dropped":  m.Dropped,
		"lines":          h.intake.Metrics(),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	respondJSON(w, status, map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	})
}
