package proxy

import (
	"net/http"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/logging"
)

// Breaker wraps a cluster's outbound sends in a circuit breaker. Transport
// errors count as failures; any response, whatever its status, counts as a
// success since the upstream answered.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[*http.Response]
}

// NewBreaker creates a breaker from cluster config. Returns nil when the
// breaker is disabled.
func NewBreaker(clusterID string, cfg config.CircuitBreakerConfig) *Breaker {
	if !cfg.Enabled {
		return nil
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	settings := gobreaker.Settings{
		Name:     clusterID,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Circuit breaker state changed",
				zap.String("cluster", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[*http.Response](settings)}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() (*http.Response, error)) (*http.Response, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
