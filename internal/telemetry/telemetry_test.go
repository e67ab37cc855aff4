package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSpanName(t *testing.T) {
	t.Run("uses matched pattern", func(t *testing.T) {
		mux := http.NewServeMux()
		var got string
		mux.HandleFunc("GET /downloads/{token}", func(w http.ResponseWriter, r *http.Request) {
			got = spanName("", r)
		})

		mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/downloads/abc", nil))

		if got != "GET /downloads/{token}" {
			t.Errorf("expected route pattern, got %q", got)
		}
	})

	t.Run("falls back to method and path", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
		if got := spanName("", r); got != "POST /webhooks/stripe" {
			t.Errorf("unexpected span name %q", got)
		}
	})
}

func TestWithHTTPRoute(t *testing.T) {
	called := false
	h := WithHTTPRoute(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if !called {
		t.Error("expected wrapped handler to run")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
}
