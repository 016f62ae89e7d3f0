package ingest

import (
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	// TrustProxy reads the client address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

// DefaultRateLimitConfig returns the default limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1000,
		WindowSize:    time.Minute,
		BurstSize:     50,
		CleanupPeriod: 5 * time.Minute,
		ExemptPaths:   []string{"/health", "/metrics"},
	}
}

// RateLimiter is a token bucket per client IP. Each bucket refills at
// RequestsPerIP per WindowSize and holds at most BurstSize tokens.
type RateLimiter struct {
	cfg         RateLimitConfig
	limit       rate.Limit
	burst       int
	now         func() time.Time
	mu          sync.Mutex
	clients     map[string]*clientState
	exemptPaths map[string]bool
	stopCleanup chan struct{}
	stopOnce    sync.Once

	allowed atomic.Uint64
	limited atomic.Uint64
}

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup loop. Call Stop
// to release it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := newRateLimiter(cfg, time.Now)
	if cfg.CleanupPeriod > 0 {
		go rl.cleanupLoop()
	}
	return rl
}

func newRateLimiter(cfg RateLimitConfig, now func() time.Time) *RateLimiter {
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[path] = true
	}

	limit := rate.Inf
	if cfg.RequestsPerIP > 0 && cfg.WindowSize > 0 {
		limit = rate.Every(cfg.WindowSize / time.Duration(cfg.RequestsPerIP))
	}
	burst := max(cfg.BurstSize, 1)

	return &RateLimiter{
		cfg:         cfg,
		limit:       limit,
		burst:       burst,
		now:         now,
		clients:     make(map[string]*clientState),
		exemptPaths: exempt,
		stopCleanup: make(chan struct{}),
	}
}

// Allow takes a token for ip and reports whether one was available, the
// tokens left and when the next token is due (or the bucket is full).
func (rl *RateLimiter) Allow(ip string) (bool, int, time.Time) {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, ok := rl.clients[ip]
	if !ok {
		client = &clientState{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = client
	}
	client.lastSeen = now

	r := client.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
		r.CancelAt(now)
		rl.limited.Add(1)
		return false, 0, now.Add(delay)
	}

	rl.allowed.Add(1)
	tokens := client.limiter.TokensAt(now)
	return true, int(tokens), now.Add(rl.refill(tokens))
}

// refill is the time a bucket holding tokens needs to fill up again.
func (rl *RateLimiter) refill(tokens float64) time.Duration {
	if rl.limit == rate.Inf || rl.limit <= 0 {
		return 0
	}
	missing := float64(rl.burst) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(rl.limit) * float64(time.Second))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup forgets clients idle for two windows; their buckets are full
// again by then.
func (rl *RateLimiter) cleanup() {
	expired := rl.now().Add(-rl.cfg.WindowSize * 2)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, client := range rl.clients {
		if client.lastSeen.Before(expired) {
			delete(rl.clients, ip)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
}

// Stop stops the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// IsExempt reports whether path bypasses the limiter.
func (rl *RateLimiter) IsExempt(path string) bool {
	return rl.exemptPaths[path]
}

// RateLimiterStats holds rate limiter statistics.
type RateLimiterStats struct {
	TrackedIPs int    `json:"tracked_ips"`
	Allowed    uint64 `json:"allowed"`
	Limited    uint64 `json:"limited"`
}

// Stats returns current rate limiter statistics.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	tracked := len(rl.clients)
	rl.mu.Unlock()

	return RateLimiterStats{
		TrackedIPs: tracked,
		Allowed:    rl.allowed.Load(),
		Limited:    rl.limited.Load(),
	}
}

func rateLimitMiddleware(next http.Handler, limiter *RateLimiter) http.Handler {
	cfg := limiter.cfg
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.IsExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ip := clientIP(r, cfg.TrustProxy)
		allowed, remaining, reset := limiter.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.burst))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !allowed {
			retry := int(math.Ceil(reset.Sub(limiter.now()).Seconds()))
			if retry < 1 {
				retry = 1
			}
			slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)

			w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"code":"RATE_LIMITED","message":"too many requests","retry_after":%d}`, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the client address, honoring proxy headers only when
// trusted.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
