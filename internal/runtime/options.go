package runtime

import (
	"crypto/tls"
	"fmt"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/outbound"
)

var tlsProtocolVersions = map[string]uint16{
	"1.0": tls.VersionTLS10,
	"1.1": tls.VersionTLS11,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// buildClientOptions translates a cluster's http_client config block into
// the outbound options snapshot the factory compares and builds from.
func buildClientOptions(clusterID string, cfg config.HTTPClientConfig) (outbound.ClientOptions, error) {
	opts := outbound.ClientOptions{
		MaxConnsPerServer:                   cfg.MaxConnsPerServer,
		DangerousAcceptAnyServerCertificate: cfg.DangerousAcceptAnyServerCertificate,
		HTTP2:                               cfg.HTTP2,
		RequestHeaderEncoding:               cfg.RequestHeaderEncoding,
	}

	for _, p := range cfg.TLSProtocols {
		v, ok := tlsProtocolVersions[p]
		if !ok {
			return outbound.ClientOptions{}, fmt.Errorf("cluster %q: unknown TLS protocol %q", clusterID, p)
		}
		opts.TLSProtocols = append(opts.TLSProtocols, v)
	}

	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return outbound.ClientOptions{}, fmt.Errorf("cluster %q: loading client certificate: %w", clusterID, err)
		}
		opts.ClientCertificate = &cert
	}

	if cfg.Proxy != nil {
		opts.WebProxy = &outbound.WebProxyOptions{
			Address:               cfg.Proxy.Address,
			UseDefaultCredentials: cfg.Proxy.UseDefaultCredentials,
			BypassOnLocal:         cfg.Proxy.BypassOnLocal,
		}
	}

	opts.HeaderPropagation = outbound.ParsePropagationMode(cfg.HeaderPropagation)

	return opts, nil
}
