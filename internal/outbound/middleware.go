package outbound

import (
	"net/http"

	"go.opentelemetry.io/otel/propagation"
)

// propagatingRoundTripper injects tracing headers from the request context
// into every outbound request. It owns no connections of its own, so closing
// the wrapped transport closes everything.
type propagatingRoundTripper struct {
	next       http.RoundTripper
	propagator propagation.TextMapPropagator
}

func newPropagatingRoundTripper(next http.RoundTripper, mode PropagationMode) http.RoundTripper {
	var p propagation.TextMapPropagator
	switch mode {
	case PropagationTraceContext:
		p = propagation.TraceContext{}
	case PropagationBaggage:
		p = propagation.Baggage{}
	default:
		p = propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		)
	}
	return &propagatingRoundTripper{next: next, propagator: p}
}

// RoundTrip injects into req.Header in place: outbound requests are built
// fresh per call by the forwarding loop, which owns them.
func (p *propagatingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	p.propagator.Inject(req.Context(), propagation.HeaderCarrier(req.Header))
	return p.next.RoundTrip(req)
}
