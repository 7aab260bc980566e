package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validTLSProtocols maps config protocol names to validity.
var validTLSProtocols = map[string]bool{
	"1.0": true, "1.1": true, "1.2": true, "1.3": true,
}

// validHeaderPropagation maps header_propagation values to validity.
var validHeaderPropagation = map[string]bool{
	"": true, "none": true, "trace_context": true, "baggage": true,
	"trace_context_and_baggage": true,
}

// validHeaderEncodings maps request_header_encoding values to validity.
var validHeaderEncodings = map[string]bool{
	"": true, "utf-8": true, "latin-1": true,
}

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}

	for name, cluster := range cfg.Clusters {
		if err := l.validateCluster(name, cluster); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if err := l.validateRoute(i, route, cfg); err != nil {
			return err
		}
		if seen[route.ID] {
			return fmt.Errorf("route %q: duplicate route ID", route.ID)
		}
		seen[route.ID] = true
	}

	return nil
}

func (l *Loader) validateCluster(name string, cluster ClusterConfig) error {
	if name == "" {
		return fmt.Errorf("cluster name must not be empty")
	}
	if len(cluster.Destinations) == 0 {
		return fmt.Errorf("cluster %q: at least one destination is required", name)
	}
	for _, dest := range cluster.Destinations {
		u, err := url.Parse(dest.Address)
		if err != nil {
			return fmt.Errorf("cluster %q: invalid destination address %q: %w", name, dest.Address, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("cluster %q: destination %q must use http or https", name, dest.Address)
		}
		if u.Host == "" {
			return fmt.Errorf("cluster %q: destination %q has no host", name, dest.Address)
		}
	}

	hc := cluster.HTTPClient
	for _, p := range hc.TLSProtocols {
		if !validTLSProtocols[p] {
			return fmt.Errorf("cluster %q: unknown TLS protocol %q", name, p)
		}
	}
	if err := checkContiguousTLSProtocols(hc.TLSProtocols); err != nil {
		return fmt.Errorf("cluster %q: %w", name, err)
	}
	if hc.MaxConnsPerServer < 0 {
		return fmt.Errorf("cluster %q: max_conns_per_server must be >= 0", name)
	}
	if (hc.ClientCertFile == "") != (hc.ClientKeyFile == "") {
		return fmt.Errorf("cluster %q: client_cert_file and client_key_file must be set together", name)
	}
	if !validHeaderPropagation[hc.HeaderPropagation] {
		return fmt.Errorf("cluster %q: unknown header_propagation %q", name, hc.HeaderPropagation)
	}
	if !validHeaderEncodings[hc.RequestHeaderEncoding] {
		return fmt.Errorf("cluster %q: unknown request_header_encoding %q", name, hc.RequestHeaderEncoding)
	}
	if hc.Proxy != nil {
		u, err := url.Parse(hc.Proxy.Address)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("cluster %q: invalid proxy address %q", name, hc.Proxy.Address)
		}
	}

	return nil
}

// tlsProtocolOrder ranks protocol names for the contiguity check.
var tlsProtocolOrder = map[string]int{"1.0": 0, "1.1": 1, "1.2": 2, "1.3": 3}

// checkContiguousTLSProtocols rejects version sets with gaps. TLS configs
// can only express a min/max bound, so ["1.0", "1.3"] would silently enable
// 1.1 and 1.2; requiring a contiguous range keeps the config honest.
func checkContiguousTLSProtocols(protocols []string) error {
	if len(protocols) < 2 {
		return nil
	}
	listed := make(map[int]bool, len(protocols))
	min, max := tlsProtocolOrder[protocols[0]], tlsProtocolOrder[protocols[0]]
	for _, p := range protocols {
		n := tlsProtocolOrder[p]
		listed[n] = true
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	for n := min; n <= max; n++ {
		if !listed[n] {
			return fmt.Errorf("tls_protocols must be a contiguous range: %v", protocols)
		}
	}
	return nil
}

func (l *Loader) validateRoute(idx int, route RouteConfig, cfg *Config) error {
	if route.ID == "" {
		return fmt.Errorf("route #%d: ID is required", idx)
	}
	if route.Path == "" {
		return fmt.Errorf("route %q: path is required", route.ID)
	}
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("route %q: path must start with /", route.ID)
	}
	if route.ClusterID == "" {
		return fmt.Errorf("route %q: cluster is required", route.ID)
	}
	if _, ok := cfg.Clusters[route.ClusterID]; !ok {
		return fmt.Errorf("route %q: unknown cluster %q", route.ID, route.ClusterID)
	}
	for _, m := range route.Methods {
		if !validHTTPMethods[strings.ToUpper(m)] {
			return fmt.Errorf("route %q: invalid HTTP method %q", route.ID, m)
		}
	}
	if route.Retry.MaxRetries < 0 {
		return fmt.Errorf("route %q: max_retries must be >= 0", route.ID)
	}
	if route.RateLimit.Enabled && route.RateLimit.RPS <= 0 {
		return fmt.Errorf("route %q: rate_limit.rps must be > 0", route.ID)
	}
	return nil
}
