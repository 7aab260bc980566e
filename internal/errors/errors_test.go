package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONSingleton(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadGateway.WriteJSON(rec)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body RelayError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Code != http.StatusBadGateway || body.Message != "Bad Gateway" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteJSONWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrGatewayTimeout.WithDetails("upstream timeout").WithRequestID("req-7").WriteJSON(rec)

	var body RelayError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body.Details != "upstream timeout" {
		t.Errorf("details = %q", body.Details)
	}
	if body.RequestID != "req-7" {
		t.Errorf("request_id = %q", body.RequestID)
	}
}

func TestWithDetailsDoesNotMutateSingleton(t *testing.T) {
	derived := ErrNotFound.WithDetails("no such route")
	if derived == ErrNotFound {
		t.Fatal("WithDetails must return a copy")
	}
	if ErrNotFound.Details != "" {
		t.Errorf("singleton mutated: %q", ErrNotFound.Details)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	wrapped := Wrap(cause, http.StatusBadGateway, "Bad Gateway")

	if !errors.Is(wrapped, cause) {
		t.Error("wrapped error must unwrap to its cause")
	}
	if wrapped.Error() != "Bad Gateway: connection refused" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
}
