package proxy

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/outbound"
)

// RetryPolicy retries idempotent requests that fail at the transport level
// or come back with a retryable 5xx, with exponential backoff between tries.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy creates a retry policy from route config. Returns nil when
// retries are disabled.
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	if cfg.MaxRetries <= 0 {
		return nil
	}
	baseDelay := cfg.BaseDelay
	if baseDelay == 0 {
		baseDelay = 50 * time.Millisecond
	}
	maxDelay := cfg.MaxDelay
	if maxDelay == 0 {
		maxDelay = 2 * time.Second
	}
	return &RetryPolicy{
		maxRetries: cfg.MaxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Retryable reports whether the request is safe to retry. Only idempotent
// methods without a body qualify; anything else gets exactly one attempt.
func (p *RetryPolicy) Retryable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}

// Do sends the request, retrying transport failures and 502/503/504
// responses up to the configured attempt count. The last attempt's result
// is returned as-is when attempts run out.
func (p *RetryPolicy) Do(ctx context.Context, client *outbound.ManagedClient, req *http.Request) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.baseDelay
	bo.MaxInterval = p.maxDelay
	bo.MaxElapsedTime = 0 // the request context bounds total time

	for attempt := 0; ; attempt++ {
		resp, err := client.Do(req)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}
		if err == outbound.ErrClientRetired {
			// A retired client never recovers within one exchange.
			return nil, err
		}
		if attempt >= p.maxRetries {
			return resp, err
		}
		if resp != nil {
			// Drain so the pooled connection can be reused.
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
		}

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
