package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDEcho(t *testing.T) {
	env := newTestEnv(t)

	t.Run("Generated", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected a generated request id")
		}
	})

	t.Run("Propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if got := rr.Header().Get(RequestIDHeader); got != "req-42" {
			t.Errorf("expected req-42, got %q", got)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/accounts/1001/evaluate", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example.com" {
		t.Errorf("expected origin to be reflected, got %q", got)
	}
	if rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("expected allowed headers on preflight")
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
	if body := decode[map[string]string](t, rr); body["error"] == "" {
		t.Error("expected error body")
	}
}

func TestGetTenantIDWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetTenantID(req.Context()); got != "" {
		t.Errorf("expected empty tenant, got %q", got)
	}
}
