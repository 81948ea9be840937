package auth

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Failed-token throttling defaults
const (
	DefaultMaxFailedAttempts = 5
	DefaultRateLimitWindow   = 15 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
)

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	MaxFailedAttempts int
	Window            time.Duration
	CleanupInterval   time.Duration
}

// DefaultRateLimiterConfig returns the default rate limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		Window:            DefaultRateLimitWindow,
		CleanupInterval:   DefaultCleanupInterval,
	}
}

// failureWindow counts failures since the first one in the current window.
type failureWindow struct {
	count   int
	started time.Time
}

func (f *failureWindow) expired(now time.Time, window time.Duration) bool {
	return now.Sub(f.started) > window
}

// RateLimiter throttles clients that repeatedly present invalid tokens.
type RateLimiter struct {
	mu       sync.Mutex
	failures map[string]*failureWindow
	config   RateLimiterConfig
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter and starts its janitor goroutine.
// Call Stop to release it.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.MaxFailedAttempts <= 0 {
		config.MaxFailedAttempts = DefaultMaxFailedAttempts
	}
	if config.Window <= 0 {
		config.Window = DefaultRateLimitWindow
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}

	rl := &RateLimiter{
		failures: make(map[string]*failureWindow),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go rl.janitor()
	return rl
}

func (rl *RateLimiter) janitor() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops windows that have expired.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, f := range rl.failures {
		if f.expired(now, rl.config.Window) {
			delete(rl.failures, ip)
		}
	}
}

// Stop stops the janitor goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

// IsLimited reports whether ip has used up its failures for the current window.
func (rl *RateLimiter) IsLimited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	f, ok := rl.failures[ip]
	if !ok || f.expired(rl.now(), rl.config.Window) {
		return false
	}
	return f.count >= rl.config.MaxFailedAttempts
}

// RecordFailure counts one failed attempt from ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	f, ok := rl.failures[ip]
	if !ok || f.expired(now, rl.config.Window) {
		rl.failures[ip] = &failureWindow{count: 1, started: now}
		return
	}
	f.count++
}

// Reset forgets the failures of ip.
func (rl *RateLimiter) Reset(ip string) {
	rl.mu.Lock()
	delete(rl.failures, ip)
	rl.mu.Unlock()
}

// GetClientIP returns the originating client address of r. The first entry
// of X-Forwarded-For wins, then X-Real-IP, then the connection address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
