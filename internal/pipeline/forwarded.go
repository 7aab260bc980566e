package pipeline

import (
	"net"
	"net/http"
)

// ForwardedTransforms returns the standard forwarding transforms appended to
// a route's request sequence when use-default-forwarders resolves true:
// X-Forwarded-For (appended to any prior value), X-Forwarded-Proto, and
// X-Forwarded-Host.
func ForwardedTransforms() []RequestTransform {
	return []RequestTransform{
		forwardedFor,
		forwardedProto,
		forwardedHost,
	}
}

func forwardedFor(cx *RequestContext) error {
	clientIP := extractClientIP(cx.Incoming)
	if clientIP == "" {
		return nil
	}
	if prior := cx.Outgoing.Header.Get("X-Forwarded-For"); prior != "" {
		cx.Outgoing.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		cx.Outgoing.Header.Set("X-Forwarded-For", clientIP)
	}
	return nil
}

func forwardedProto(cx *RequestContext) error {
	if cx.Incoming.TLS != nil {
		cx.Outgoing.Header.Set("X-Forwarded-Proto", "https")
	} else {
		cx.Outgoing.Header.Set("X-Forwarded-Proto", "http")
	}
	return nil
}

func forwardedHost(cx *RequestContext) error {
	cx.Outgoing.Header.Set("X-Forwarded-Host", cx.Incoming.Host)
	return nil
}

// extractClientIP returns the peer address without the port.
func extractClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
