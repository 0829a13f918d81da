package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/metrics"
)

func decodeStatus(t *testing.T, body io.Reader) HealthStatus {
	t.Helper()
	var status HealthStatus
	if err := json.NewDecoder(body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return status
}

func get(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthz(t *testing.T) {
	h := NewHealthServer(":0", logging.Discard())

	w := get(t, h.Routes(), http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if status := decodeStatus(t, w.Body); status.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", status.Status)
	}
}

func TestHealthzShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", logging.Discard())
	h.SetShuttingDown()
	if !h.IsShuttingDown() {
		t.Fatal("should be shutting down after SetShuttingDown")
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		w := get(t, h.Routes(), http.MethodGet, path)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusServiceUnavailable, w.Code)
		}
		status := decodeStatus(t, w.Body)
		if status.Status != "shutting_down" {
			t.Errorf("%s: expected 'shutting_down', got %q", path, status.Status)
		}
		if check, ok := status.Checks["shutdown"]; !ok || check.Healthy {
			t.Errorf("%s: expected shutdown check to be unhealthy", path)
		}
	}
}

func TestHealthzBackgroundLoops(t *testing.T) {
	h := NewHealthServer(":0", logging.Discard())
	h.RegisterGoroutine("watching-broadcast")
	h.RegisterGoroutine("relay-listener")

	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Fatalf("expected 'ok', got %q", status.Status)
	}
	if !status.Goroutines["watching-broadcast"] || !status.Goroutines["relay-listener"] {
		t.Errorf("loops should be healthy: %v", status.Goroutines)
	}

	h.UnregisterGoroutine("relay-listener")
	w := get(t, h.Routes(), http.MethodGet, "/healthz")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status = decodeStatus(t, w.Body)
	if status.Status != "degraded" {
		t.Errorf("expected 'degraded', got %q", status.Status)
	}
	if status.Goroutines["relay-listener"] {
		t.Error("stopped loop should show as not running")
	}
}

func TestHealthzStaleLoop(t *testing.T) {
	h := NewHealthServer(":0", logging.Discard())
	h.RegisterGoroutine("stale")

	h.mu.Lock()
	h.loops["stale"].lastCheck = time.Now().Add(-staleLoopAfter - time.Second)
	h.mu.Unlock()

	if status := h.CheckHealth(); status.Status != "degraded" {
		t.Errorf("expected 'degraded', got %q", status.Status)
	}

	h.UpdateGoroutine("stale")
	if status := h.CheckHealth(); status.Status != "ok" {
		t.Errorf("expected 'ok' after update, got %q", status.Status)
	}
}

func TestHealthMethods(t *testing.T) {
	h := NewHealthServer(":0", logging.Discard())

	w := get(t, h.Routes(), http.MethodPost, "/healthz")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected %d, got %d", http.StatusMethodNotAllowed, w.Code)
	}

	w = get(t, h.Routes(), http.MethodHead, "/readyz")
	if w.Code != http.StatusOK {
		t.Errorf("HEAD: expected %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("HEAD response should have no body, got %d bytes", w.Body.Len())
	}
}

func TestHealthServerStartServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewHubMetricsWithRegistry(reg)
	m.ConnectionOpened()

	h := NewHealthServer("127.0.0.1:0", logging.Discard())
	h.RegisterHandler("/metrics", metrics.Handler(reg))
	if err := h.Start(); err != nil {
		t.Fatalf("failed to start health server: %v", err)
	}
	defer h.Close()

	resp, err := http.Get("http://" + h.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	resp, err = http.Get("http://" + h.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "orbit_hub_active_connections 1") {
		t.Errorf("metrics output missing active connections gauge:\n%s", body)
	}
}

func TestHealthServerCloseWithoutStart(t *testing.T) {
	h := NewHealthServer(":0", logging.Discard())
	if err := h.Close(); err != nil {
		t.Errorf("Close() without Start() should not error: %v", err)
	}
}
