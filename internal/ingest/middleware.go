package ingest

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"
)

// AuthConfig holds API key settings for the HTTP endpoints.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// DefaultAuthConfig returns authentication disabled with the usual header.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{APIKeyHeader: "X-API-Key"}
}

// WithMiddleware wraps handler with recovery, request logging, security
// headers, API key authentication and, when limiter is not nil, per-IP rate
// limiting.
func WithMiddleware(handler http.Handler, auth AuthConfig, limiter *RateLimiter) http.Handler {
	h := handler

	if limiter != nil {
		h = rateLimitMiddleware(h, limiter)
	}
	if auth.Enabled {
		h = authMiddleware(h, auth)
	}
	h = securityHeadersMiddleware(h)
	h = loggingMiddleware(h)
	h = recoveryMiddleware(h)

	return h
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// apiHeaders are set on every response. The endpoints only serve JSON and
// Prometheus text, so nothing may be framed, sniffed or cached.
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

const hstsValue = "max-age=31536000; includeSubDomains"

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for name, value := range apiHeaders {
			h.Set(name, value)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", hstsValue)
		}
		next.ServeHTTP(w, r)
	})
}

func authMiddleware(next http.Handler, cfg AuthConfig) http.Handler {
	header := cfg.APIKeyHeader
	if header == "" {
		header = DefaultAuthConfig().APIKeyHeader
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Probes stay open.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(header)
		if key == "" {
			http.Error(w, `{"success":false,"error":"missing API key"}`, http.StatusUnauthorized)
			return
		}
		for _, valid := range cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(key), []byte(valid)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, `{"success":false,"error":"invalid API key"}`, http.StatusUnauthorized)
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"success":false,"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
