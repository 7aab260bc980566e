package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func record(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	chain := NewChain(mk("outer"), mk("middle")).Append(mk("inner"))
	h := chain.ThenFunc(func(w http.ResponseWriter, _ *http.Request) {
		order = append(order, "handler")
	})

	record(h, httptest.NewRequest(http.MethodGet, "/", nil))

	want := []string{"outer", "middle", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestChainAppendDoesNotMutateOriginal(t *testing.T) {
	var hits int
	mk := func() Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits++
				next.ServeHTTP(w, r)
			})
		}
	}

	base := NewChain(mk())
	base.Append(mk(), mk())

	h := base.ThenFunc(func(http.ResponseWriter, *http.Request) {})
	record(h, httptest.NewRequest(http.MethodGet, "/", nil))

	if hits != 1 {
		t.Errorf("base chain ran %d middlewares, want 1", hits)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var fromCtx string
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = GetRequestID(r)
	}))

	rec := record(h, httptest.NewRequest(http.MethodGet, "/", nil))

	id := rec.Header().Get("X-Request-ID")
	if id == "" {
		t.Fatal("response must carry a generated request ID")
	}
	if fromCtx != id {
		t.Errorf("context ID %q != header ID %q", fromCtx, id)
	}
}

func TestRequestIDTrusted(t *testing.T) {
	h := RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id-42")
	rec := record(h, req)

	if got := rec.Header().Get("X-Request-ID"); got != "upstream-id-42" {
		t.Errorf("trusted inbound ID not kept, got %q", got)
	}
}

func TestRequestIDUntrusted(t *testing.T) {
	cfg := DefaultRequestIDConfig
	cfg.TrustHeader = false
	h := RequestIDWithConfig(cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "spoofed")
	rec := record(h, req)

	if got := rec.Header().Get("X-Request-ID"); got == "spoofed" || got == "" {
		t.Errorf("untrusted inbound ID must be replaced, got %q", got)
	}
}

func TestRecoveryConvertsPanicTo500(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := record(h, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
}

func TestRecoveryPassthrough(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := record(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst of 2 must admit two requests")
	}
	if rl.Allow() {
		t.Fatal("third immediate request must be rejected")
	}

	allowed, rejected := rl.Stats()
	if allowed != 2 || rejected != 1 {
		t.Errorf("stats = (%d, %d), want (2, 1)", allowed, rejected)
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := record(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d", first.Code)
	}

	second := record(h, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("429 must carry Retry-After")
	}
}

func TestRateLimiterDefaultBurst(t *testing.T) {
	rl := NewRateLimiter(0.5, 0)
	if !rl.Allow() {
		t.Error("burst must never drop below 1")
	}
}

func TestAccessLogPassthrough(t *testing.T) {
	h := AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("ok")) //nolint:errcheck
	}))

	rec := record(h, httptest.NewRequest(http.MethodGet, "/items?q=1", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestAccessLogSkipPaths(t *testing.T) {
	h := AccessLogWithConfig(AccessLogConfig{SkipPaths: []string{"/healthz"}})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rec := record(h, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
