// Package proxy implements the per-route forwarding loop: it builds the
// outbound request, sends it through the cluster's managed client, and
// streams the response back to the client, applying the route's transform
// pipeline on the way through.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	relayerrors "github.com/relaymesh/relay/internal/errors"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/outbound"
	"github.com/relaymesh/relay/internal/pipeline"
)

const defaultTimeout = 30 * time.Second

// Forwarder proxies requests for a single route to its cluster.
type Forwarder struct {
	routeID   string
	clusterID string

	client       *outbound.ManagedClient
	pipeline     *pipeline.Pipeline
	destinations []*url.URL
	next         atomic.Uint64

	retry         *RetryPolicy
	breaker       *Breaker
	timeout       time.Duration
	flushInterval time.Duration

	metrics *metrics.Collector
	logger  *zap.Logger
}

// ForwarderConfig holds Forwarder construction parameters.
type ForwarderConfig struct {
	RouteID      string
	ClusterID    string
	Client       *outbound.ManagedClient
	Pipeline     *pipeline.Pipeline
	Destinations []*url.URL
	Retry        *RetryPolicy
	Breaker      *Breaker
	// Timeout bounds the whole proxied exchange when the inbound context
	// carries no deadline. Zero means 30s.
	Timeout time.Duration
	// FlushInterval enables periodic flushing while streaming the body.
	// Zero disables flushing.
	FlushInterval time.Duration
	Metrics       *metrics.Collector
	Logger        *zap.Logger
}

// NewForwarder creates a forwarder for one route.
func NewForwarder(cfg ForwarderConfig) *Forwarder {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		routeID:       cfg.RouteID,
		clusterID:     cfg.ClusterID,
		client:        cfg.Client,
		pipeline:      cfg.Pipeline,
		destinations:  cfg.Destinations,
		retry:         cfg.Retry,
		breaker:       cfg.Breaker,
		timeout:       timeout,
		flushInterval: cfg.FlushInterval,
		metrics:       cfg.Metrics,
		logger:        logger,
	}
}

// Client returns the managed client this forwarder sends through.
func (f *Forwarder) Client() *outbound.ManagedClient { return f.client }

// ServeHTTP handles one proxied exchange.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	target := f.nextDestination()
	if target == nil {
		f.writeError(w, r, http.StatusServiceUnavailable,
			relayerrors.ErrServiceUnavailable.WithDetails("no destinations configured"))
		return
	}

	proxyReq, err := f.createProxyRequest(ctx, r, target)
	if err != nil {
		f.metrics.RecordProxyError(f.clusterID, "transform")
		f.logger.Error("request transform failed",
			zap.String("route", f.routeID),
			zap.Error(err),
		)
		f.writeError(w, r, http.StatusBadGateway, relayerrors.ErrBadGateway.WithDetails(err.Error()))
		return
	}

	start := time.Now()
	resp, err := f.send(ctx, proxyReq)
	f.metrics.RecordUpstreamDuration(f.clusterID, time.Since(start))

	if err != nil {
		f.handleError(w, r, err)
		return
	}
	defer resp.Body.Close()

	if err := f.writeResponse(w, r, resp); err != nil {
		// Headers were not written yet when a response transform fails.
		f.metrics.RecordProxyError(f.clusterID, "transform")
		f.logger.Error("response transform failed",
			zap.String("route", f.routeID),
			zap.Error(err),
		)
		f.writeError(w, r, http.StatusBadGateway, relayerrors.ErrBadGateway.WithDetails(err.Error()))
	}
}

// nextDestination picks the next backend in round-robin order.
func (f *Forwarder) nextDestination() *url.URL {
	if len(f.destinations) == 0 {
		return nil
	}
	n := f.next.Add(1)
	return f.destinations[(n-1)%uint64(len(f.destinations))]
}

// createProxyRequest builds the outbound request and runs the route's
// request transforms over it.
func (f *Forwarder) createProxyRequest(ctx context.Context, r *http.Request, target *url.URL) (*http.Request, error) {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, r.URL.Path)
	targetURL.RawQuery = r.URL.RawQuery

	// Construct request directly to avoid a URL.String() + url.Parse()
	// round-trip.
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	if f.pipeline.CopyRequestHeaders() {
		proxyReq.Header = make(http.Header, len(r.Header))
		for k, vv := range r.Header {
			proxyReq.Header[k] = append(vv[:0:0], vv...)
		}
		removeHopHeaders(proxyReq.Header)
	} else {
		proxyReq.Header = make(http.Header, 4)
	}

	cx := &pipeline.RequestContext{
		Incoming:  r,
		Outgoing:  proxyReq,
		RouteID:   f.routeID,
		ClusterID: f.clusterID,
	}
	if err := f.pipeline.TransformRequest(cx); err != nil {
		return nil, err
	}

	return proxyReq, nil
}

// send issues the request through the breaker and retry policy when they
// are configured for this route.
func (f *Forwarder) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	doSend := func() (*http.Response, error) {
		if f.retry != nil && f.retry.Retryable(req) {
			return f.retry.Do(ctx, f.client, req)
		}
		return f.client.Do(req)
	}
	if f.breaker != nil {
		return f.breaker.Execute(doSend)
	}
	return doSend()
}

// writeResponse applies the response transforms and streams the body and
// trailers back to the client.
func (f *Forwarder) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) error {
	if f.pipeline.CopyResponseHeaders() {
		for k, vv := range resp.Header {
			w.Header()[k] = append(vv[:0:0], vv...)
		}
		removeHopHeaders(w.Header())
	}

	cx := &pipeline.ResponseContext{
		Incoming:   r,
		Upstream:   resp,
		Header:     w.Header(),
		StatusCode: resp.StatusCode,
		RouteID:    f.routeID,
		ClusterID:  f.clusterID,
	}
	if err := f.pipeline.TransformResponse(cx); err != nil {
		return err
	}

	// Announce trailers before the body so HTTP/1.1 chunked encoding can
	// carry them.
	announceTrailers := f.pipeline.CopyResponseTrailers() && len(resp.Trailer) > 0
	if announceTrailers {
		names := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			names = append(names, k)
		}
		w.Header().Set("Trailer", strings.Join(names, ", "))
	}

	w.WriteHeader(cx.StatusCode)
	f.metrics.RecordRequest(f.routeID, r.Method, cx.StatusCode)

	f.copyBody(w, resp.Body)

	// Upstream trailers are populated only after the body is fully read.
	trailer := make(http.Header, len(resp.Trailer))
	if f.pipeline.CopyResponseTrailers() {
		for k, vv := range resp.Trailer {
			trailer[k] = append(vv[:0:0], vv...)
		}
	}
	tcx := &pipeline.TrailerContext{
		Upstream:  resp,
		Trailer:   trailer,
		RouteID:   f.routeID,
		ClusterID: f.clusterID,
	}
	if err := f.pipeline.TransformTrailers(tcx); err != nil {
		f.logger.Warn("trailer transform failed",
			zap.String("route", f.routeID),
			zap.Error(err),
		)
		return nil
	}
	for k, vv := range tcx.Trailer {
		for _, v := range vv {
			w.Header().Add(http.TrailerPrefix+k, v)
		}
	}

	return nil
}

// copyBody streams the response body, flushing periodically when a flush
// interval is configured.
func (f *Forwarder) copyBody(w http.ResponseWriter, body io.Reader) {
	if f.flushInterval > 0 {
		if flusher, ok := w.(http.Flusher); ok {
			for {
				_, err := io.CopyN(w, body, 32*1024)
				flusher.Flush()
				if err != nil {
					return
				}
			}
		}
	}

	io.Copy(w, body) //nolint:errcheck // client disconnects are not actionable
}

// handleError maps a send failure to a downstream status.
func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		f.metrics.RecordProxyError(f.clusterID, "timeout")
		f.writeError(w, r, http.StatusGatewayTimeout, relayerrors.ErrGatewayTimeout)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		f.metrics.RecordProxyError(f.clusterID, "circuit_open")
		f.writeError(w, r, http.StatusServiceUnavailable,
			relayerrors.ErrServiceUnavailable.WithDetails("upstream circuit open"))
	case errors.Is(err, outbound.ErrClientRetired):
		f.metrics.RecordProxyError(f.clusterID, "client_retired")
		f.writeError(w, r, http.StatusServiceUnavailable,
			relayerrors.ErrServiceUnavailable.WithDetails("cluster client replaced, retry"))
	default:
		f.metrics.RecordProxyError(f.clusterID, "upstream")
		f.logger.Warn("upstream request failed",
			zap.String("route", f.routeID),
			zap.String("cluster", f.clusterID),
			zap.Error(err),
		)
		f.writeError(w, r, http.StatusBadGateway, relayerrors.ErrBadGateway.WithDetails(err.Error()))
	}
}

func (f *Forwarder) writeError(w http.ResponseWriter, r *http.Request, status int, relayErr *relayerrors.RelayError) {
	f.metrics.RecordRequest(f.routeID, r.Method, status)
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		relayErr = relayErr.WithRequestID(reqID)
	}
	relayErr.WriteJSON(w)
}

// Hop-by-hop headers that must not be forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
