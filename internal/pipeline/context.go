// Package pipeline builds the ordered chain of transforms applied to a
// request and response as they pass through a route. Pipelines are built
// once per route on config apply and invoked per request by the forwarding
// loop; the build itself does no per-request work.
package pipeline

import (
	"net/http"

	"github.com/relaymesh/relay/config"
)

// RequestContext is the state handed to request transforms before the
// outbound request is sent.
type RequestContext struct {
	// Incoming is the inbound request as received from the client.
	// Transforms treat it as read-only.
	Incoming *http.Request
	// Outgoing is the proxy request being built; transforms mutate it.
	Outgoing *http.Request
	// RouteID and ClusterID identify where the request is headed.
	RouteID   string
	ClusterID string
}

// ResponseContext is the state handed to response transforms after upstream
// headers are received and before they are copied to the client.
type ResponseContext struct {
	Incoming *http.Request
	// Upstream is the backend response. Transforms treat it as read-only.
	Upstream *http.Response
	// Header holds the headers that will be written to the client.
	Header http.Header
	// StatusCode is the status that will be written to the client.
	StatusCode int
	RouteID    string
	ClusterID  string
}

// TrailerContext is the state handed to trailer transforms after upstream
// trailers are received.
type TrailerContext struct {
	Upstream *http.Response
	// Trailer holds the trailers that will be written to the client.
	Trailer   http.Header
	RouteID   string
	ClusterID string
}

// RequestTransform mutates the outgoing request for one proxied call.
type RequestTransform func(cx *RequestContext) error

// ResponseTransform mutates the response headers headed back to the client.
type ResponseTransform func(cx *ResponseContext) error

// TrailerTransform mutates the response trailers headed back to the client.
type TrailerTransform func(cx *TrailerContext) error

// Services is the application-wide service registry handed to providers for
// read-only lookup.
type Services struct {
	entries map[string]any
}

// NewServices creates a registry over the given entries.
func NewServices(entries map[string]any) *Services {
	copied := make(map[string]any, len(entries))
	for k, v := range entries {
		copied[k] = v
	}
	return &Services{entries: copied}
}

// Get looks up a service by name.
func (s *Services) Get(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.entries[name]
	return v, ok
}

// BuilderContext is the accumulator threaded through transform providers
// during one route build. The three transform slices and four flags are the
// entire mutation surface; providers must not retain the context beyond the
// build call.
type BuilderContext struct {
	Services *Services
	Route    *config.RouteConfig
	Cluster  *config.ClusterConfig

	RequestTransforms  []RequestTransform
	ResponseTransforms []ResponseTransform
	TrailerTransforms  []TrailerTransform

	// Unset flags resolve to the system default (true) when the build
	// finishes.
	CopyRequestHeaders   TriState
	CopyResponseHeaders  TriState
	CopyResponseTrailers TriState
	UseDefaultForwarders TriState
}

// AddRequestTransform appends a request transform.
func (cx *BuilderContext) AddRequestTransform(t RequestTransform) {
	cx.RequestTransforms = append(cx.RequestTransforms, t)
}

// AddResponseTransform appends a response transform.
func (cx *BuilderContext) AddResponseTransform(t ResponseTransform) {
	cx.ResponseTransforms = append(cx.ResponseTransforms, t)
}

// AddTrailerTransform appends a response-trailer transform.
func (cx *BuilderContext) AddTrailerTransform(t TrailerTransform) {
	cx.TrailerTransforms = append(cx.TrailerTransforms, t)
}
