package catalog

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_HandleUploadFile_RejectsBadRequests(t *testing.T) {
	handler := NewHandler(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /products/{id}/files", handler.HandleUploadFile)

	t.Run("non multipart body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/products/p1/files", strings.NewReader(`{"file":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
		assertError(t, rec, "invalid multipart body")
	})

	t.Run("missing file field", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if err := mw.WriteField("versionId", "v1"); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
		if err := mw.Close(); err != nil {
			t.Fatalf("failed to close writer: %v", err)
		}

		req := httptest.NewRequest(http.MethodPost, "/products/p1/files", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rec.Code)
		}
		assertError(t, rec, "missing file")
	})
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["error"] != want {
		t.Errorf("expected %q, got %q", want, resp["error"])
	}
}
