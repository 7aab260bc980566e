package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/relaymesh/relay/internal/errors"
)

// RateLimiter applies a token bucket limit to a single route.
type RateLimiter struct {
	limiter  *rate.Limiter
	allowed  atomic.Uint64
	rejected atomic.Uint64
}

// NewRateLimiter creates a limiter refilling rps tokens per second with the
// given burst capacity. A burst of zero defaults to rps.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow reports whether a request may proceed.
func (rl *RateLimiter) Allow() bool {
	if rl.limiter.Allow() {
		rl.allowed.Add(1)
		return true
	}
	rl.rejected.Add(1)
	return false
}

// Stats returns the allowed and rejected request counts.
func (rl *RateLimiter) Stats() (allowed, rejected uint64) {
	return rl.allowed.Load(), rl.rejected.Load()
}

// Middleware returns a middleware that rejects requests over the limit.
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(1))
				relayErr := errors.ErrTooManyRequests
				if reqID := GetRequestID(r); reqID != "" {
					relayErr = relayErr.WithRequestID(reqID)
				}
				relayErr.WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
