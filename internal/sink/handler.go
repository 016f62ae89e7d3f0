package sink

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"logsentinel/internal/correlation"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

// AlertsResponse is the body of GET /v1/alerts.
type AlertsResponse struct {
	Alerts []correlation.Alert `json:"alerts"`
	// Total counts the stored alerts matching the filters before the limit
	// is applied.
	Total int `json:"total"`
}

// RecentHandler serves the alerts held by a Recent sink.
type RecentHandler struct {
	recent *Recent
}

// NewRecentHandler creates a handler over recent.
func NewRecentHandler(recent *Recent) *RecentHandler {
	return &RecentHandler{recent: recent}
}

// RegisterRoutes registers the alert routes on mux.
func (h *RecentHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/alerts", h.HandleList)
}

// HandleList serves Recent.Query. Optional query parameters: type and
// source filter, limit caps the page (default 100, at most 1000).
func (h *RecentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := defaultAlertLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAlertLimit)
	}
	resp := h.recent.Query(correlation.RuleType(q.Get("type")), q.Get("source"), limit)
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}
