package correlation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"logsentinel/internal/parser"
	"logsentinel/internal/schema"
)

// maxDetectBody bounds the batch accepted by the detect endpoint.
const maxDetectBody = 1 << 20

// RuleHandler exposes the loaded rules and an ad-hoc detection endpoint.
type RuleHandler struct {
	detector  *Detector
	parser    *parser.Parser
	validator *schema.Validator
}

// NewRuleHandler creates a new rule handler. Nil p or v fall back to the
// defaults.
func NewRuleHandler(detector *Detector, p *parser.Parser, v *schema.Validator) *RuleHandler {
	if p == nil {
		p = parser.New(parser.DefaultConfig())
	}
	if v == nil {
		v = schema.NewValidator()
	}
	return &RuleHandler{detector: detector, parser: p, validator: v}
}

// RegisterRoutes registers rule routes on the given mux.
func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("GET /v1/rules/{name}", h.HandleGetRule)
	mux.HandleFunc("POST /v1/detect", h.HandleDetect)
}

type ruleResponse struct {
	Name       string   `json:"name"`
	Type       RuleType `json:"type"`
	EventType  string   `json:"event_type,omitempty"`
	Threshold  int      `json:"threshold,omitempty"`
	Window     string   `json:"window,omitempty"`
	FirstType  string   `json:"first_type,omitempty"`
	SecondType string   `json:"second_type,omitempty"`
	MaxDelay   string   `json:"max_delay,omitempty"`
}

func (h *RuleHandler) ruleResponses() []ruleResponse {
	rules := h.detector.Rules()
	out := make([]ruleResponse, 0, rules.Len())
	for _, r := range rules.Threshold {
		out = append(out, ruleResponse{
			Name:      r.Name,
			Type:      RuleTypeThreshold,
			EventType: string(r.EventType),
			Threshold: r.Threshold,
			Window:    r.Window.String(),
		})
	}
	for _, r := range rules.Sequence {
		out = append(out, ruleResponse{
			Name:       r.Name,
			Type:       RuleTypeSequence,
			FirstType:  string(r.FirstType),
			SecondType: string(r.SecondType),
			MaxDelay:   r.MaxDelay.String(),
		})
	}
	return out
}

// HandleListRules handles GET /v1/rules requests. The optional "type" query
// parameter filters by rule class.
func (h *RuleHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	filterType := r.URL.Query().Get("type")

	var filtered []ruleResponse
	for _, rule := range h.ruleResponses() {
		if filterType != "" && string(rule.Type) != filterType {
			continue
		}
		filtered = append(filtered, rule)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"rules": filtered,
		"total": len(filtered),
	})
}

// HandleGetRule handles GET /v1/rules/{name} requests.
func (h *RuleHandler) HandleGetRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, rule := range h.ruleResponses() {
		if rule.Name == name {
			h.writeJSON(w, http.StatusOK, map[string]any{"rule": rule})
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "not_found", "rule not found")
}

// detectResponse is the result of an ad-hoc detection.
type detectResponse struct {
	Events   int     `json:"events"`
	Unparsed int     `json:"unparsed"`
	Invalid  int     `json:"invalid"`
	Dropped  int     `json:"dropped"`
	Alerts   []Alert `json:"alerts"`
	Total    int     `json:"total"`
}

// HandleDetect handles POST /v1/detect requests. The body is either a JSON
// object {"events": [...]} or, with a text/plain content type, raw log
// lines. Events failing validation are dropped. The batch is evaluated
// against the loaded rules and nothing is kept afterwards.
func (h *RuleHandler) HandleDetect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDetectBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "read_error", "failed to read request body")
		return
	}

	var (
		events []schema.Event
		resp   detectResponse
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		parsed, stats, err := h.parser.ParseAll(bytes.NewReader(body))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "read_error", "failed to read log lines")
			return
		}
		events, resp.Unparsed = parsed, stats.Dropped
	} else {
		var req struct {
			Events []schema.Event `json:"events"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			h.writeError(w, http.StatusBadRequest, "parse_error", "failed to parse request body")
			return
		}
		events = req.Events
	}

	valid := events[:0:0]
	for i := range events {
		if err := h.validator.Validate(&events[i]); err != nil {
			resp.Invalid++
			continue
		}
		valid = append(valid, events[i])
	}

	resp.Alerts = h.detector.Detect(valid)
	resp.Events = len(valid)
	resp.Dropped = resp.Unparsed + resp.Invalid
	resp.Total = len(resp.Alerts)
	if resp.Alerts == nil {
		resp.Alerts = []Alert{}
	}

	slog.Debug("ad-hoc detection",
		"events", resp.Events,
		"dropped", resp.Dropped,
		"alerts", resp.Total,
	)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *RuleHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *RuleHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
