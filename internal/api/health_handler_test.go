package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealthCheck_Healthy(t *testing.T) {
	s, _ := newTestServer(t)

	// Mark server as running
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	t.Cleanup(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealthCheck(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", resp.Status)
	}
	if resp.Version != Version {
		t.Errorf("expected version %q, got %q", Version, resp.Version)
	}
	if resp.Goroutines <= 0 {
		t.Errorf("expected positive goroutine count, got %d", resp.Goroutines)
	}
	if resp.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
	if resp.Reason != "" {
		t.Errorf("expected no reason when healthy, got %q", resp.Reason)
	}
}

func TestHandleHealthCheck_Unhealthy_NotRunning(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealthCheck(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %q", resp.Status)
	}
	if resp.Reason != "server not running" {
		t.Errorf("expected reason 'server not running', got %q", resp.Reason)
	}
}

func TestHandleHealthCheck_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rec.Code)
	}
}

func TestHandleHealthCheck_JSONFields(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealthCheck(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got %q", ct)
	}

	// Decode as raw map to verify JSON field names
	var raw map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	for _, field := range []string{"status", "uptime", "goroutines", "version", "reason"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("expected field %q in response, got: %v", field, raw)
		}
	}
}
