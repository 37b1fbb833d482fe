package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter keyed by client IP.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*bucket
	requestsPerMin int
	burst          int
	cleanupTicker  *time.Ticker
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a rate limiter refilling at requestsPerMin tokens
// per minute with the given burst capacity. A burst of zero or less defaults
// to requestsPerMin.
func NewRateLimiter(requestsPerMin, burst int) *RateLimiter {
	if burst <= 0 {
		burst = requestsPerMin
	}
	rl := &RateLimiter{
		clients:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		burst:          burst,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
	}

	// Cleanup stale entries every 5 minutes
	go rl.cleanup()

	return rl
}

// Middleware returns an HTTP middleware that enforces rate limiting.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// allow checks if a request from the given client should be allowed.
func (rl *RateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.clients[client]

	if !exists {
		// New client, create bucket with full burst capacity
		rl.clients[client] = &bucket{
			tokens:     float64(rl.burst) - 1,
			lastRefill: now,
		}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(b.lastRefill)
	b.tokens += elapsed.Minutes() * float64(rl.requestsPerMin)
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}

	return false
}

// cleanup removes stale client entries.
func (rl *RateLimiter) cleanup() {
	for range rl.cleanupTicker.C {
		rl.mu.Lock()
		now := time.Now()
		for client, b := range rl.clients {
			// Remove clients that haven't made requests in 10 minutes
			if now.Sub(b.lastRefill) > 10*time.Minute {
				delete(rl.clients, client)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop stops the cleanup ticker.
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
}

// clientIP strips the port from the remote address so all connections from
// one host share a bucket.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
