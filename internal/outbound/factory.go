package outbound

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/relaymesh/relay/internal/metrics"
)

// ClientContext carries one client-creation call: the cluster identity, the
// previously created client with the options that produced it (both nil on
// first build), and the desired new options.
type ClientContext struct {
	ClusterID  string
	OldClient  *ManagedClient
	OldOptions *ClientOptions
	NewOptions ClientOptions
}

// ReusePredicate decides whether the previous client can serve the new
// options unchanged.
type ReusePredicate func(old, new *ClientOptions) bool

// TransportConfigurator builds the connection-pooling transport for a
// cluster's options.
type TransportConfigurator func(clusterID string, opts *ClientOptions) (*http.Transport, error)

// MiddlewareWrapper layers per-request middleware around the transport.
// Closing the outermost handle must close everything it wraps, so wrappers
// may not own separate pools.
type MiddlewareWrapper func(clusterID string, opts *ClientOptions, rt http.RoundTripper) http.RoundTripper

// Factory creates or reuses outbound clients. The three strategy functions
// are independently replaceable; the outer algorithm is fixed.
type Factory struct {
	logger    *zap.Logger
	metrics   *metrics.Collector
	reuse     ReusePredicate
	configure TransportConfigurator
	wrap      MiddlewareWrapper
}

// FactoryConfig holds Factory construction parameters. Nil strategies fall
// back to the defaults.
type FactoryConfig struct {
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Reuse     ReusePredicate
	Configure TransportConfigurator
	Wrap      MiddlewareWrapper
}

// NewFactory creates a client factory.
func NewFactory(cfg FactoryConfig) *Factory {
	f := &Factory{
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		reuse:     cfg.Reuse,
		configure: cfg.Configure,
		wrap:      cfg.Wrap,
	}
	if f.logger == nil {
		f.logger = zap.NewNop()
	}
	if f.reuse == nil {
		f.reuse = func(old, new *ClientOptions) bool { return old.Equal(new) }
	}
	if f.configure == nil {
		f.configure = ConfigureTransport
	}
	if f.wrap == nil {
		f.wrap = WrapPropagation
	}
	return f
}

// CreateClient returns a client for the cluster described by cx. When the
// previous client exists and its options structurally equal the new ones,
// the previous client is returned unchanged: no new transport, no connection
// churn. Otherwise a fresh client is built; construction failures propagate
// with no partial client, leaving the caller on its previous configuration.
func (f *Factory) CreateClient(cx ClientContext) (*ManagedClient, error) {
	if cx.OldClient != nil && cx.OldOptions == nil {
		return nil, fmt.Errorf("outbound: cluster %q: previous client supplied without its options", cx.ClusterID)
	}

	if cx.OldClient != nil && f.reuse(cx.OldOptions, &cx.NewOptions) {
		f.logger.Debug("outbound client reused", zap.String("cluster", cx.ClusterID))
		f.metrics.RecordClientReused(cx.ClusterID)
		return cx.OldClient, nil
	}

	transport, err := f.configure(cx.ClusterID, &cx.NewOptions)
	if err != nil {
		return nil, fmt.Errorf("outbound: cluster %q: %w", cx.ClusterID, err)
	}

	rt := f.wrap(cx.ClusterID, &cx.NewOptions, transport)

	f.logger.Debug("outbound client created", zap.String("cluster", cx.ClusterID))
	f.metrics.RecordClientCreated(cx.ClusterID)

	return newManagedClient(cx.ClusterID, rt, transport, cx.NewOptions.RequestHeaderEncoding), nil
}

// ConfigureTransport is the default TransportConfigurator. The baseline is
// fixed before any override applies: no proxy, no auto-decompression, no
// cookie handling, and redirects surfaced to the caller (the transport never
// follows them).
func ConfigureTransport(clusterID string, o *ClientOptions) (*http.Transport, error) {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	tlsCfg := &tls.Config{}
	customTLS := false

	if len(o.TLSProtocols) > 0 {
		min, max := tlsVersionBounds(o.TLSProtocols)
		tlsCfg.MinVersion = min
		tlsCfg.MaxVersion = max
		customTLS = true
	}

	if o.ClientCertificate != nil {
		tlsCfg.Certificates = []tls.Certificate{*o.ClientCertificate}
		customTLS = true
	}

	if o.MaxConnsPerServer > 0 {
		transport.MaxConnsPerHost = o.MaxConnsPerServer
	}

	if o.DangerousAcceptAnyServerCertificate {
		// Explicit opt-in only. Install the accept-all policy here so it is
		// auditable in one place rather than an injectable callback.
		tlsCfg.InsecureSkipVerify = true
		customTLS = true
	}

	h2 := o.HTTP2Enabled()
	if !h2 {
		transport.ForceAttemptHTTP2 = false
		// A non-nil empty map disables the transport's h2 upgrade path.
		transport.TLSNextProto = make(map[string]func(string, *tls.Conn) http.RoundTripper)
	}

	if customTLS {
		transport.TLSClientConfig = tlsCfg
		if h2 {
			// Setting a custom TLS config turns off the automatic HTTP/2
			// upgrade; restore it explicitly.
			if err := http2.ConfigureTransport(transport); err != nil {
				return nil, fmt.Errorf("configure http2: %w", err)
			}
		}
	}

	if o.WebProxy != nil {
		proxyFn, err := proxySelector(o.WebProxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = proxyFn
	}

	return transport, nil
}

// WrapPropagation is the default MiddlewareWrapper: it layers the
// tracing-header propagation round tripper when the mode is not None.
func WrapPropagation(clusterID string, o *ClientOptions, rt http.RoundTripper) http.RoundTripper {
	if o.HeaderPropagation == PropagationNone {
		return rt
	}
	return newPropagatingRoundTripper(rt, o.HeaderPropagation)
}

// tlsVersionBounds reduces an enabled-version set to the min/max bounds the
// TLS stack understands. Config validation guarantees known versions only.
func tlsVersionBounds(versions []uint16) (uint16, uint16) {
	min, max := versions[0], versions[0]
	for _, v := range versions[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

// proxySelector builds the transport's Proxy function from proxy options.
// A malformed address fails fast as a configuration error.
func proxySelector(p *WebProxyOptions) (func(*http.Request) (*url.URL, error), error) {
	proxyURL, err := url.Parse(p.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", p.Address, err)
	}
	if proxyURL.Scheme == "" || proxyURL.Host == "" {
		return nil, fmt.Errorf("invalid proxy address %q: missing scheme or host", p.Address)
	}
	if p.UseDefaultCredentials {
		// Ambient credentials: never send URL-embedded ones.
		proxyURL.User = nil
	}

	bypassLocal := p.BypassOnLocal
	return func(req *http.Request) (*url.URL, error) {
		if bypassLocal && isLocalHost(req.URL.Hostname()) {
			return nil, nil
		}
		return proxyURL, nil
	}, nil
}

// isLocalHost reports whether host refers to the local machine or link-local
// network: "localhost", dotless single-label names, loopback and link-local
// addresses.
func isLocalHost(host string) bool {
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsLinkLocalUnicast()
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	return !strings.Contains(host, ".")
}
