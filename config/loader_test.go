package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  address: ":8888"
  read_timeout: 15s
  flush_interval: 100ms

admin:
  enabled: true
  address: ":9191"

logging:
  level: debug

clusters:
  orders:
    destinations:
      - address: "http://10.0.0.1:8080"
      - address: "http://10.0.0.2:8080"
    http_client:
      tls_protocols: ["1.2", "1.3"]
      max_conns_per_server: 16
      request_header_encoding: latin-1
    circuit_breaker:
      enabled: true
      max_failures: 3

routes:
  - id: orders-api
    path: /api/orders
    path_prefix: true
    methods: [GET, POST]
    cluster: orders
    timeout: 5s
    retry:
      max_retries: 2
      base_delay: 50ms
    transform:
      strip_prefix: /api
      request:
        set:
          X-Edge: relay
      use_default_forwarders: false
`

func TestParseValid(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.Address != ":8888" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("read_timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.FlushInterval != 100*time.Millisecond {
		t.Errorf("flush_interval = %v", cfg.Server.FlushInterval)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Address != ":9191" {
		t.Errorf("admin = %+v", cfg.Admin)
	}

	cluster, ok := cfg.Clusters["orders"]
	if !ok {
		t.Fatal("cluster orders missing")
	}
	if len(cluster.Destinations) != 2 {
		t.Errorf("destinations = %d", len(cluster.Destinations))
	}
	if cluster.HTTPClient.MaxConnsPerServer != 16 {
		t.Errorf("max_conns_per_server = %d", cluster.HTTPClient.MaxConnsPerServer)
	}
	if cluster.HTTPClient.RequestHeaderEncoding != "latin-1" {
		t.Errorf("request_header_encoding = %q", cluster.HTTPClient.RequestHeaderEncoding)
	}
	if !cluster.CircuitBreaker.Enabled || cluster.CircuitBreaker.MaxFailures != 3 {
		t.Errorf("circuit_breaker = %+v", cluster.CircuitBreaker)
	}

	if len(cfg.Routes) != 1 {
		t.Fatalf("routes = %d", len(cfg.Routes))
	}
	route := cfg.Routes[0]
	if route.ID != "orders-api" || !route.PathPrefix || route.ClusterID != "orders" {
		t.Errorf("route = %+v", route)
	}
	if route.Retry.MaxRetries != 2 || route.Retry.BaseDelay != 50*time.Millisecond {
		t.Errorf("retry = %+v", route.Retry)
	}
	if route.Transform.StripPrefix != "/api" {
		t.Errorf("strip_prefix = %q", route.Transform.StripPrefix)
	}
	if route.Transform.Request.Set["X-Edge"] != "relay" {
		t.Errorf("request set = %v", route.Transform.Request.Set)
	}
	if route.Transform.UseDefaultForwarders == nil || *route.Transform.UseDefaultForwarders {
		t.Error("use_default_forwarders should parse as explicit false")
	}
	if route.Transform.CopyRequestHeaders != nil {
		t.Error("unset copy_request_headers must stay nil")
	}
}

func TestParseEnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_BACKEND", "http://10.9.9.9:8080")

	yaml := `
server:
  address: ":8080"
clusters:
  c1:
    destinations:
      - address: "${RELAY_TEST_BACKEND}"
routes:
  - id: r1
    path: /
    cluster: c1
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Clusters["c1"].Destinations[0].Address; got != "http://10.9.9.9:8080" {
		t.Errorf("expanded address = %q", got)
	}
}

func TestParseEnvExpansionUnsetKept(t *testing.T) {
	yaml := `
server:
  address: ":8080"
clusters:
  c1:
    destinations:
      - address: "http://backend:8080"
    http_client:
      client_cert_file: "${RELAY_NO_SUCH_VAR}"
      client_key_file: "${RELAY_NO_SUCH_VAR}"
routes: []
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Unknown variables are left literal so the failure surfaces at
	// client build time, not silently as empty strings.
	if got := cfg.Clusters["c1"].HTTPClient.ClientCertFile; got != "${RELAY_NO_SUCH_VAR}" {
		t.Errorf("unset env var = %q", got)
	}
}

func TestParseValidationErrors(t *testing.T) {
	base := `
server:
  address: ":8080"
clusters:
  c1:
    destinations:
      - address: "http://backend:8080"
routes:
  - id: r1
    path: /api
    cluster: c1
`

	tests := []struct {
		name    string
		mutate  func(string) string
		wantSub string
	}{
		{
			name:    "bad destination scheme",
			mutate:  func(s string) string { return strings.Replace(s, "http://backend:8080", "ftp://backend:8080", 1) },
			wantSub: "must use http or https",
		},
		{
			name:    "destination without host",
			mutate:  func(s string) string { return strings.Replace(s, "http://backend:8080", "http://", 1) },
			wantSub: "has no host",
		},
		{
			name: "unknown TLS protocol",
			mutate: func(s string) string {
				return strings.Replace(s, "routes:", "    http_client:\n      tls_protocols: [\"1.4\"]\nroutes:", 1)
			},
			wantSub: "unknown TLS protocol",
		},
		{
			name: "non-contiguous TLS protocols",
			mutate: func(s string) string {
				return strings.Replace(s, "routes:", "    http_client:\n      tls_protocols: [\"1.0\", \"1.3\"]\nroutes:", 1)
			},
			wantSub: "contiguous",
		},
		{
			name: "cert without key",
			mutate: func(s string) string {
				return strings.Replace(s, "routes:", "    http_client:\n      client_cert_file: /tmp/cert.pem\nroutes:", 1)
			},
			wantSub: "must be set together",
		},
		{
			name: "unknown header propagation",
			mutate: func(s string) string {
				return strings.Replace(s, "routes:", "    http_client:\n      header_propagation: everything\nroutes:", 1)
			},
			wantSub: "unknown header_propagation",
		},
		{
			name: "unknown header encoding",
			mutate: func(s string) string {
				return strings.Replace(s, "routes:", "    http_client:\n      request_header_encoding: ebcdic\nroutes:", 1)
			},
			wantSub: "unknown request_header_encoding",
		},
		{
			name: "invalid proxy address",
			mutate: func(s string) string {
				return strings.Replace(s, "routes:", "    http_client:\n      proxy:\n        address: \"not a proxy\"\nroutes:", 1)
			},
			wantSub: "invalid proxy address",
		},
		{
			name:    "route without path slash",
			mutate:  func(s string) string { return strings.Replace(s, "path: /api", "path: api", 1) },
			wantSub: "must start with /",
		},
		{
			name:    "route unknown cluster",
			mutate:  func(s string) string { return strings.Replace(s, "cluster: c1", "cluster: ghost", 1) },
			wantSub: "unknown cluster",
		},
		{
			name: "route invalid method",
			mutate: func(s string) string {
				return strings.Replace(s, "cluster: c1", "cluster: c1\n    methods: [FETCH]", 1)
			},
			wantSub: "invalid HTTP method",
		},
		{
			name: "duplicate route ID",
			mutate: func(s string) string {
				return s + "  - id: r1\n    path: /other\n    cluster: c1\n"
			},
			wantSub: "duplicate route ID",
		},
		{
			name: "rate limit without rps",
			mutate: func(s string) string {
				return strings.Replace(s, "cluster: c1", "cluster: c1\n    rate_limit:\n      enabled: true", 1)
			},
			wantSub: "rate_limit.rps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.mutate(base)))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestContiguousTLSProtocols(t *testing.T) {
	ok := [][]string{
		nil,
		{"1.3"},
		{"1.2", "1.3"},
		{"1.3", "1.1", "1.2"}, // order does not matter
		{"1.0", "1.1", "1.2", "1.3"},
	}
	for _, p := range ok {
		if err := checkContiguousTLSProtocols(p); err != nil {
			t.Errorf("%v should be accepted: %v", p, err)
		}
	}

	bad := [][]string{
		{"1.0", "1.3"},
		{"1.1", "1.3"},
		{"1.0", "1.2", "1.3"},
	}
	for _, p := range bad {
		if err := checkContiguousTLSProtocols(p); err == nil {
			t.Errorf("%v has a gap and should be rejected", p)
		}
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := NewLoader().Parse([]byte("server: [not: a: mapping"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8888" {
		t.Errorf("server address = %q", cfg.Server.Address)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load("/nonexistent/relay.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Address != ":8080" {
		t.Errorf("default address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadHeaderTimeout != 10*time.Second {
		t.Errorf("default read_header_timeout = %v", cfg.Server.ReadHeaderTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default log level = %q", cfg.Logging.Level)
	}
	if cfg.Tracing.SampleRate != 1.0 {
		t.Errorf("default sample rate = %v", cfg.Tracing.SampleRate)
	}
}
