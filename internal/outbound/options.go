// Package outbound manages the outbound HTTP clients the proxy uses to reach
// backend clusters. Clients are created once per cluster on config apply and
// reused across applies when their options are unchanged, so connection pools
// survive no-op reloads.
package outbound

import (
	"bytes"
	"crypto/tls"
	"sort"
)

// PropagationMode selects which tracing headers are injected into outbound
// requests. The zero value is PropagationTraceContextAndBaggage, so clusters
// that never mention propagation get full context forwarding.
type PropagationMode uint8

const (
	// PropagationTraceContextAndBaggage injects W3C traceparent/tracestate
	// and baggage headers. This is the default.
	PropagationTraceContextAndBaggage PropagationMode = iota
	// PropagationNone injects nothing.
	PropagationNone
	// PropagationTraceContext injects only traceparent/tracestate.
	PropagationTraceContext
	// PropagationBaggage injects only baggage.
	PropagationBaggage
)

// ParsePropagationMode maps a config string onto a PropagationMode.
// Empty input yields the default mode.
func ParsePropagationMode(s string) PropagationMode {
	switch s {
	case "none":
		return PropagationNone
	case "trace_context":
		return PropagationTraceContext
	case "baggage":
		return PropagationBaggage
	default:
		return PropagationTraceContextAndBaggage
	}
}

func (m PropagationMode) String() string {
	switch m {
	case PropagationNone:
		return "none"
	case PropagationTraceContext:
		return "trace_context"
	case PropagationBaggage:
		return "baggage"
	default:
		return "trace_context_and_baggage"
	}
}

// WebProxyOptions configures an explicit forward proxy for outbound
// connections to a cluster.
type WebProxyOptions struct {
	// Address is the proxy URL, e.g. "http://proxy.internal:3128".
	Address string
	// UseDefaultCredentials strips explicit credentials from the proxy URL
	// and relies on ambient credentials instead.
	UseDefaultCredentials bool
	// BypassOnLocal skips the proxy for loopback and link-local destinations.
	BypassOnLocal bool
}

// ClientOptions is the immutable per-cluster snapshot of outbound client
// settings. Any field difference between the previous and the new snapshot
// forces a full client rebuild: coarse, but it guarantees no request is ever
// served with stale TLS or proxy settings.
type ClientOptions struct {
	// TLSProtocols is the set of enabled TLS versions (tls.VersionTLS12 etc).
	// Empty means library defaults.
	TLSProtocols []uint16

	// ClientCertificate is the optional client certificate presented to the
	// backend.
	ClientCertificate *tls.Certificate

	// MaxConnsPerServer caps simultaneous connections per backend
	// destination. 0 means unlimited.
	MaxConnsPerServer int

	// DangerousAcceptAnyServerCertificate disables server certificate
	// verification. Never the default; explicit opt-in only.
	DangerousAcceptAnyServerCertificate bool

	// HTTP2 toggles multiplexed HTTP/2 streams. nil means enabled.
	HTTP2 *bool

	// RequestHeaderEncoding selects the outbound header value encoding:
	// "" (passthrough), "utf-8", or "latin-1".
	RequestHeaderEncoding string

	// WebProxy configures an explicit forward proxy. nil disables proxying.
	WebProxy *WebProxyOptions

	// HeaderPropagation selects the tracing headers injected into every
	// outbound request.
	HeaderPropagation PropagationMode
}

// HTTP2Enabled resolves the HTTP/2 toggle, nil meaning enabled.
func (o *ClientOptions) HTTP2Enabled() bool {
	return o.HTTP2 == nil || *o.HTTP2
}

// Equal reports full structural equality over every option field.
// Certificates are compared by their DER chain bytes.
func (o *ClientOptions) Equal(other *ClientOptions) bool {
	if o == nil || other == nil {
		return o == other
	}
	if !tlsProtocolSetsEqual(o.TLSProtocols, other.TLSProtocols) {
		return false
	}
	if !certificatesEqual(o.ClientCertificate, other.ClientCertificate) {
		return false
	}
	if o.MaxConnsPerServer != other.MaxConnsPerServer {
		return false
	}
	if o.DangerousAcceptAnyServerCertificate != other.DangerousAcceptAnyServerCertificate {
		return false
	}
	if !boolPtrEqual(o.HTTP2, other.HTTP2) {
		return false
	}
	if o.RequestHeaderEncoding != other.RequestHeaderEncoding {
		return false
	}
	if !webProxyEqual(o.WebProxy, other.WebProxy) {
		return false
	}
	if o.HeaderPropagation != other.HeaderPropagation {
		return false
	}
	return true
}

func tlsProtocolSetsEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]uint16(nil), a...)
	bs := append([]uint16(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func certificatesEqual(a, b *tls.Certificate) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Certificate) != len(b.Certificate) {
		return false
	}
	for i := range a.Certificate {
		if !bytes.Equal(a.Certificate[i], b.Certificate[i]) {
			return false
		}
	}
	return true
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func webProxyEqual(a, b *WebProxyOptions) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
