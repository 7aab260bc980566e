// Package config defines the proxy configuration model: clusters the proxy
// forwards to, routes that match inbound requests onto clusters, and the
// ambient logging/tracing/admin settings.
package config

import (
	"time"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Admin    AdminConfig              `yaml:"admin"`
	Logging  LoggingConfig            `yaml:"logging"`
	Tracing  TracingConfig            `yaml:"tracing"`
	Clusters map[string]ClusterConfig `yaml:"clusters"`
	Routes   []RouteConfig            `yaml:"routes"`
}

// ServerConfig defines the inbound HTTP listener.
type ServerConfig struct {
	Address           string        `yaml:"address"` // e.g. ":8080"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	FlushInterval     time.Duration `yaml:"flush_interval"` // streaming body flush cadence; 0 = no periodic flush
}

// AdminConfig defines the admin listener (/metrics, /healthz).
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level    string          `yaml:"level"` // debug|info|warn|error
	File     string          `yaml:"file"`  // empty = stderr
	Rotation *RotationConfig `yaml:"rotation"`
}

// RotationConfig defines log file rotation settings (powered by lumberjack).
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// TracingConfig defines OpenTelemetry trace export settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"` // OTLP gRPC endpoint
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// ClusterConfig defines a named backend group with shared connection and
// TLS policy. Every route references exactly one cluster.
type ClusterConfig struct {
	Destinations   []DestinationConfig  `yaml:"destinations"`
	HTTPClient     HTTPClientConfig     `yaml:"http_client"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// DestinationConfig defines a single backend destination.
type DestinationConfig struct {
	Address string `yaml:"address"` // e.g. "http://10.0.0.1:8080"
}

// HTTPClientConfig defines the outbound HTTP client options for a cluster.
// These map onto the outbound client manager's options snapshot; any change
// to any field forces a new client (and a fresh connection pool) for the
// cluster on the next config apply.
type HTTPClientConfig struct {
	// TLSProtocols lists the enabled TLS versions, e.g. ["1.2", "1.3"].
	// Empty means library defaults.
	TLSProtocols []string `yaml:"tls_protocols"`

	// ClientCertFile/ClientKeyFile hold an optional client certificate
	// presented to the backend.
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`

	// MaxConnsPerServer caps simultaneous connections per destination.
	// 0 means unlimited.
	MaxConnsPerServer int `yaml:"max_conns_per_server"`

	// DangerousAcceptAnyServerCertificate disables server certificate
	// verification. Explicit opt-in only.
	DangerousAcceptAnyServerCertificate bool `yaml:"dangerous_accept_any_server_certificate"`

	// HTTP2 toggles HTTP/2 stream multiplexing. Unset means enabled.
	HTTP2 *bool `yaml:"http2"`

	// RequestHeaderEncoding selects the outbound header value encoding:
	// "" (passthrough), "utf-8", or "latin-1".
	RequestHeaderEncoding string `yaml:"request_header_encoding"`

	// Proxy configures an explicit forward proxy for outbound connections.
	Proxy *ProxyConfig `yaml:"proxy"`

	// HeaderPropagation selects which tracing headers are injected into
	// outbound requests: none, trace_context, baggage, or
	// trace_context_and_baggage (the default).
	HeaderPropagation string `yaml:"header_propagation"`
}

// ProxyConfig defines forward proxy settings for outbound connections.
type ProxyConfig struct {
	Address               string `yaml:"address"`
	UseDefaultCredentials bool   `yaml:"use_default_credentials"`
	BypassOnLocal         bool   `yaml:"bypass_on_local"`
}

// CircuitBreakerConfig defines the per-cluster circuit breaker.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RouteConfig defines a route: a match rule plus the cluster it forwards to
// and the transforms applied on the way through.
type RouteConfig struct {
	ID         string          `yaml:"id"`
	Path       string          `yaml:"path"`
	PathPrefix bool            `yaml:"path_prefix"`
	Methods    []string        `yaml:"methods"`
	ClusterID  string          `yaml:"cluster"`
	Timeout    time.Duration   `yaml:"timeout"`
	Retry      RetryConfig     `yaml:"retry"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Transform  TransformConfig `yaml:"transform"`
}

// RetryConfig defines the retry policy for idempotent requests on a route.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// RateLimitConfig defines a per-route token bucket.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// TransformConfig defines the route's transform block. The pointer booleans
// are three-state: nil means "apply the system default" (true), which is
// distinct from an explicit false.
type TransformConfig struct {
	Request         HeaderTransform `yaml:"request"`
	Response        HeaderTransform `yaml:"response"`
	ResponseTrailer HeaderTransform `yaml:"response_trailer"`

	// StripPrefix removes a path prefix before forwarding.
	StripPrefix string `yaml:"strip_prefix"`

	CopyRequestHeaders   *bool `yaml:"copy_request_headers"`
	CopyResponseHeaders  *bool `yaml:"copy_response_headers"`
	CopyResponseTrailers *bool `yaml:"copy_response_trailers"`
	UseDefaultForwarders *bool `yaml:"use_default_forwarders"`
}

// HeaderTransform defines header modifications for one phase.
type HeaderTransform struct {
	Set    map[string]string `yaml:"set"`
	Add    map[string]string `yaml:"add"`
	Remove []string          `yaml:"remove"`
}

// Empty reports whether the transform modifies nothing.
func (t HeaderTransform) Empty() bool {
	return len(t.Set) == 0 && len(t.Add) == 0 && len(t.Remove) == 0
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
	}
}
