package outbound

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T) *ManagedClient {
	t.Helper()
	f := NewFactory(FactoryConfig{})
	client, err := f.CreateClient(ClientContext{ClusterID: "test"})
	if err != nil {
		t.Fatalf("CreateClient: %v", err)
	}
	return client
}

func TestDoAfterCloseFails(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	client := newTestClient(t)
	client.Close()

	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	if _, err := client.Do(req); err != ErrClientRetired {
		t.Fatalf("expected ErrClientRetired, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client := newTestClient(t)
	client.Close()
	client.Close()
	if !client.Retired() {
		t.Error("client should report retired after Close")
	}
}

func TestInFlightBodySurvivesClose(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("payload")) //nolint:errcheck
	}))
	defer backend.Close()

	client := newTestClient(t)

	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	// Retire while the body is still open.
	client.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body after Close: %v", err)
	}
	if string(body) != "payload" {
		t.Errorf("expected payload, got %q", body)
	}
	if err := resp.Body.Close(); err != nil {
		t.Errorf("closing body: %v", err)
	}

	// Double body close must not double-release.
	if err := resp.Body.Close(); err != nil {
		t.Errorf("second body close: %v", err)
	}
}

func TestRefcountReachesZeroExactlyOnce(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	client := newTestClient(t)

	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	if got := client.refs.Load(); got != 1 {
		t.Errorf("expected owner ref only after body close, got %d", got)
	}

	client.Close()
	if got := client.refs.Load(); got != 0 {
		t.Errorf("expected zero refs after Close, got %d", got)
	}
}
