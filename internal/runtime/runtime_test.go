package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaymesh/relay/config"
	"github.com/relaymesh/relay/internal/outbound"
	"github.com/relaymesh/relay/internal/pipeline"
)

func newTestRuntime() *Runtime {
	return New(Config{
		Factory: outbound.NewFactory(outbound.FactoryConfig{}),
		Builder: pipeline.NewBuilder(pipeline.BuilderConfig{
			Providers: []pipeline.Provider{pipeline.NewConfigProvider()},
		}),
	})
}

func testConfig(backendURL string) *config.Config {
	return &config.Config{
		Clusters: map[string]config.ClusterConfig{
			"c1": {
				Destinations: []config.DestinationConfig{{Address: backendURL}},
			},
		},
		Routes: []config.RouteConfig{
			{ID: "r1", Path: "/api", PathPrefix: true, ClusterID: "c1"},
		},
	}
}

func TestApplyPublishesSnapshot(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRuntime()
	defer rt.Close()

	if rt.Snapshot() != nil {
		t.Fatal("no snapshot should exist before Apply")
	}

	if err := rt.Apply(testConfig(backend.URL)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	snap := rt.Snapshot()
	if snap == nil {
		t.Fatal("expected a snapshot after Apply")
	}
	if snap.Cluster("c1") == nil {
		t.Error("cluster c1 should be in the snapshot")
	}
	if snap.Pipeline("r1") == nil {
		t.Error("route r1 should have a pipeline")
	}

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/api/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected proxied 200, got %d", rec.Code)
	}
}

func TestServeBeforeApply(t *testing.T) {
	rt := newTestRuntime()
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before first Apply, got %d", rec.Code)
	}
}

func TestApplyReusesUnchangedClient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer backend.Close()

	rt := newTestRuntime()
	defer rt.Close()

	cfg := testConfig(backend.URL)
	if err := rt.Apply(cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := rt.Snapshot().Cluster("c1").Client

	if err := rt.Apply(testConfig(backend.URL)); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	second := rt.Snapshot().Cluster("c1").Client

	if first != second {
		t.Error("unchanged options must reuse the client across applies")
	}
	if first.Retired() {
		t.Error("reused client must not be retired")
	}
}

func TestApplyRetiresReplacedClient(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer backend.Close()

	rt := newTestRuntime()
	defer rt.Close()

	if err := rt.Apply(testConfig(backend.URL)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := rt.Snapshot().Cluster("c1").Client

	changed := testConfig(backend.URL)
	cluster := changed.Clusters["c1"]
	cluster.HTTPClient.MaxConnsPerServer = 32
	changed.Clusters["c1"] = cluster

	if err := rt.Apply(changed); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	second := rt.Snapshot().Cluster("c1").Client

	if second == first {
		t.Fatal("changed options must build a new client")
	}
	if !first.Retired() {
		t.Error("replaced client must be retired")
	}
	if second.Retired() {
		t.Error("new client must be live")
	}
}

func TestApplyRetiresDroppedCluster(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer backend.Close()

	rt := newTestRuntime()
	defer rt.Close()

	if err := rt.Apply(testConfig(backend.URL)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := rt.Snapshot().Cluster("c1").Client

	if err := rt.Apply(&config.Config{}); err != nil {
		t.Fatalf("empty Apply: %v", err)
	}
	if !first.Retired() {
		t.Error("dropped cluster's client must be retired")
	}
	if rt.Snapshot().Cluster("c1") != nil {
		t.Error("dropped cluster must leave the snapshot")
	}
}

func TestApplyKeepsPreviousStateOnClusterFailure(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	rt := newTestRuntime()
	defer rt.Close()

	if err := rt.Apply(testConfig(backend.URL)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	first := rt.Snapshot().Cluster("c1").Client

	broken := testConfig(backend.URL)
	cluster := broken.Clusters["c1"]
	cluster.HTTPClient.ClientCertFile = "/nonexistent/cert.pem"
	cluster.HTTPClient.ClientKeyFile = "/nonexistent/key.pem"
	broken.Clusters["c1"] = cluster

	err := rt.Apply(broken)
	if err == nil {
		t.Fatal("broken cluster build should surface an error")
	}

	snap := rt.Snapshot()
	if snap.Cluster("c1") == nil {
		t.Fatal("failed cluster must keep its previous state")
	}
	if snap.Cluster("c1").Client != first {
		t.Error("failed cluster must keep the previous client")
	}
	if first.Retired() {
		t.Error("retained client must stay live")
	}

	// Traffic still flows on the retained state.
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/api/x", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on retained state, got %d", rec.Code)
	}
}

func TestApplyRouteUnknownCluster(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer backend.Close()

	cfg := testConfig(backend.URL)
	cfg.Routes = append(cfg.Routes, config.RouteConfig{
		ID: "orphan", Path: "/orphan", ClusterID: "ghost",
	})

	rt := newTestRuntime()
	defer rt.Close()

	err := rt.Apply(cfg)
	if err == nil {
		t.Fatal("route pointing at an unknown cluster should error")
	}

	snap := rt.Snapshot()
	if snap.Pipeline("r1") == nil {
		t.Error("healthy route must still build")
	}
	if snap.Pipeline("orphan") != nil {
		t.Error("orphan route must not appear in the snapshot")
	}
}

func TestInFlightRequestSurvivesApply(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.Write([]byte("done")) //nolint:errcheck
	}))
	defer backend.Close()

	rt := newTestRuntime()
	defer rt.Close()

	if err := rt.Apply(testConfig(backend.URL)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://relay.local/api/slow", nil))
		done <- rec
	}()

	// Let the request reach the backend, then swap the cluster client
	// underneath it.
	time.Sleep(50 * time.Millisecond)
	changed := testConfig(backend.URL)
	cluster := changed.Clusters["c1"]
	cluster.HTTPClient.MaxConnsPerServer = 8
	changed.Clusters["c1"] = cluster
	if err := rt.Apply(changed); err != nil {
		t.Fatalf("Apply during in-flight request: %v", err)
	}

	close(release)
	rec := <-done
	if rec.Code != http.StatusOK {
		t.Fatalf("in-flight request must complete, got %d", rec.Code)
	}
	if rec.Body.String() != "done" {
		t.Errorf("expected streamed body, got %q", rec.Body.String())
	}
}

func TestBuildClientOptionsTLSProtocols(t *testing.T) {
	opts, err := buildClientOptions("c1", config.HTTPClientConfig{
		TLSProtocols: []string{"1.2", "1.3"},
	})
	if err != nil {
		t.Fatalf("buildClientOptions: %v", err)
	}
	if len(opts.TLSProtocols) != 2 {
		t.Errorf("expected 2 protocol versions, got %d", len(opts.TLSProtocols))
	}

	if _, err := buildClientOptions("c1", config.HTTPClientConfig{
		TLSProtocols: []string{"0.9"},
	}); err == nil {
		t.Error("unknown protocol version must fail")
	}
}
