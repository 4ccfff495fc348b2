package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/otto-bgp/otto-bgp/pkg/config"
	"github.com/otto-bgp/otto-bgp/pkg/util"
)

func newTestServer() *Server {
	// nil pool: readiness reports not_ready and the API answers 503.
	return New(config.ServerConfig{Listen: ":0"}, nil)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthzAlwaysOK(t *testing.T) {
	w := get(t, newTestServer(), "/healthz")

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", body["status"])
	}
}

func TestReadyzWithoutDatabase(t *testing.T) {
	w := get(t, newTestServer(), "/readyz")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "not_ready" {
		t.Errorf("expected status 'not_ready', got %v", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "not_configured" {
		t.Errorf("expected postgres 'not_configured', got %v", checks["postgres"])
	}
}

func TestAPIWithoutDatabase(t *testing.T) {
	s := newTestServer()
	for _, path := range []string{
		"/api/v1/runs",
		"/api/v1/runs/some-id",
		"/api/v1/runs/some-id/events",
		"/api/v1/overrides",
		"/api/v1/routers",
	} {
		w := get(t, s, path)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s = %d, want 503 without a database", path, w.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /api/v1/runs = %d, want 405 (read-only surface)", w.Code)
	}
}

func TestLimitParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultLimit},
		{"?limit=5", 5},
		{"?limit=0", defaultLimit},
		{"?limit=-3", defaultLimit},
		{"?limit=junk", defaultLimit},
		{"?limit=100000", maxLimit},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs"+tt.query, nil)
		if got := limitParam(req); got != tt.want {
			t.Errorf("limitParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			"not found",
			util.WrapError(util.KindValidation, "rollout.run", "x", util.ErrNotFound),
			http.StatusNotFound,
		},
		{
			"validation",
			util.NewPipelineError(util.KindValidation, "list", "", "bad input"),
			http.StatusBadRequest,
		},
		{
			"configuration",
			errNoDatabase,
			http.StatusServiceUnavailable,
		},
		{
			"unclassified",
			util.NewPipelineError(util.KindData, "scan", "", "corrupt row"),
			http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, tt.err)
			if w.Code != tt.want {
				t.Errorf("writeError(%v) = %d, want %d", tt.err, w.Code, tt.want)
			}
		})
	}
}

func TestInternalErrorsAreNotEchoed(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, util.NewPipelineError(util.KindData, "scan", "policy_cache", "dsn=postgres://u:secret@db"))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["detail"] != "internal error" {
		t.Errorf("internal error detail leaked: %q", body["detail"])
	}
}
