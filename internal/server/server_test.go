package server

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zgpcy/llm-cost-exporter/internal/collector"
	"github.com/zgpcy/llm-cost-exporter/internal/config"
	"github.com/zgpcy/llm-cost-exporter/internal/logger"
	"github.com/zgpcy/llm-cost-exporter/internal/provider"
)

// testLogger creates a logger for testing (error level to suppress test output)
func testLogger() *logger.Logger {
	return logger.New("error")
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPPort: 9464,
		Providers: []config.Provider{
			{ID: provider.OpenAI, Account: "default", PollInterval: 5 * time.Minute},
			{ID: provider.Anthropic, Account: "research", PollInterval: time.Minute},
		},
	}
}

// initializedRegistry returns a registry holding one poll result for openai/default
func initializedRegistry() *collector.Registry {
	reg := collector.NewRegistry(testLogger())
	reg.Update([]provider.Record{{
		Provider:   provider.OpenAI,
		Model:      "gpt-4",
		UsageType:  provider.UsageTokens,
		TokenType:  provider.TokensTotal,
		Account:    "default",
		Value:      1000,
		Kind:       provider.Counter,
		ObservedAt: time.Now(),
	}})
	reg.ObservePoll(provider.OpenAI, "default", 50*time.Millisecond, nil)
	return reg
}

func get(t *testing.T, s *Server, path string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	resp := w.Result()
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, string(body)
}

// TestNewServer tests server creation
func TestNewServer(t *testing.T) {
	server := NewServer(testConfig(), collector.NewRegistry(testLogger()), testLogger())

	if server == nil {
		t.Fatal("NewServer returned nil")
	}
	if server.server == nil {
		t.Error("server.server should not be nil")
	}
	if server.registry == nil {
		t.Error("server.registry should not be nil")
	}
	if server.server.Addr != ":9464" {
		t.Errorf("server address: got %v, want :9464", server.server.Addr)
	}
}

// TestHandleHealth tests the /health endpoint before and after the first poll
func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name     string
		registry *collector.Registry
		wantBody string
	}{
		{"not initialized", collector.NewRegistry(testLogger()), `{"status":"healthy","registry_initialized":false}`},
		{"initialized", initializedRegistry(), `{"status":"healthy","registry_initialized":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := NewServer(testConfig(), tt.registry, testLogger())
			resp, body := get(t, server, "/health")

			if resp.StatusCode != http.StatusOK {
				t.Errorf("Status code: got %v, want %v", resp.StatusCode, http.StatusOK)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type: got %v, want application/json", ct)
			}
			if body != tt.wantBody {
				t.Errorf("Response body: got %v, want %v", body, tt.wantBody)
			}
		})
	}
}

// TestHandleHealth_AlwaysHealthy tests that a failing provider does not affect liveness
func TestHandleHealth_AlwaysHealthy(t *testing.T) {
	reg := collector.NewRegistry(testLogger())
	reg.ObservePoll(provider.OpenAI, "default", time.Second, errors.New("connection refused"))
	server := NewServer(testConfig(), reg, testLogger())

	resp, _ := get(t, server, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status code: got %v, want %v (health should always be OK)", resp.StatusCode, http.StatusOK)
	}
}

// TestHandleReady tests readiness before and after the first successful poll
func TestHandleReady(t *testing.T) {
	reg := collector.NewRegistry(testLogger())
	server := NewServer(testConfig(), reg, testLogger())

	resp, body := get(t, server, "/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Status code: got %v, want %v", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if !strings.Contains(body, "not ready") {
		t.Errorf("Response body should contain 'not ready', got: %s", body)
	}

	reg.Update(nil)

	resp, body = get(t, server, "/ready")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status code: got %v, want %v", resp.StatusCode, http.StatusOK)
	}
	if body != `{"status":"ready"}` {
		t.Errorf("Response body: got %v, want {\"status\":\"ready\"}", body)
	}
}

// TestHandleIndex_NotReady tests the index page before any poll
func TestHandleIndex_NotReady(t *testing.T) {
	server := NewServer(testConfig(), collector.NewRegistry(testLogger()), testLogger())

	resp, body := get(t, server, "/")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status code: got %v, want %v", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/html" {
		t.Errorf("Content-Type: got %v, want text/html", ct)
	}

	requiredStrings := []string{
		"LLM Cost Exporter",
		"Not Ready",
		"openai/default",
		"anthropic/research",
		"5m0s",
		"Pending",
		"Never",
		"/metrics",
		"/health",
		"/ready",
	}
	for _, required := range requiredStrings {
		if !strings.Contains(body, required) {
			t.Errorf("Response body should contain %q", required)
		}
	}
}

// TestHandleIndex_TargetStates tests that poll outcomes are shown per provider account
func TestHandleIndex_TargetStates(t *testing.T) {
	reg := initializedRegistry()
	reg.ObservePoll(provider.Anthropic, "research", time.Second, errors.New("anthropic: rate limited"))
	server := NewServer(testConfig(), reg, testLogger())

	_, body := get(t, server, "/")

	if !strings.Contains(body, `<span class="status ready">Ready</span>`) {
		t.Error("Response body should show the exporter as Ready")
	}
	if !strings.Contains(body, `<span class="status up">Up</span>`) {
		t.Error("openai/default should be Up")
	}
	if !strings.Contains(body, `<span class="status down">Down</span>`) {
		t.Error("anthropic/research should be Down")
	}
	if !strings.Contains(body, "anthropic: rate limited") {
		t.Error("Response body should show the last error")
	}
	if strings.Contains(body, "Pending") {
		t.Error("No provider should be pending after both were polled")
	}
}

// TestMetricsEndpoint tests that /metrics serves the registry
func TestMetricsEndpoint(t *testing.T) {
	server := NewServer(testConfig(), initializedRegistry(), testLogger())

	resp, body := get(t, server, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Status code: got %v, want %v", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Errorf("Content-Type should contain text/plain, got %v", ct)
	}

	expectedLines := []string{
		`llm_tokens_total{account="default",model="gpt-4",provider="openai",type="total"} 1000`,
		`llm_cost_exporter_up{account="default",provider="openai"} 1`,
		`llm_cost_exporter_samples_count 1`,
	}
	for _, expected := range expectedLines {
		if !strings.Contains(body, expected) {
			t.Errorf("Metrics should contain %q", expected)
		}
	}
}

// TestConcurrency_MultipleRequests tests handling multiple concurrent requests
func TestConcurrency_MultipleRequests(t *testing.T) {
	server := NewServer(testConfig(), initializedRegistry(), testLogger())

	endpoints := []string{"/", "/health", "/ready", "/metrics"}

	var wg sync.WaitGroup
	numRequests := 20

	for _, endpoint := range endpoints {
		for i := 0; i < numRequests; i++ {
			wg.Add(1)
			go func(ep string) {
				defer wg.Done()

				req := httptest.NewRequest(http.MethodGet, ep, nil)
				w := httptest.NewRecorder()
				server.Handler().ServeHTTP(w, req)

				if w.Code != http.StatusOK {
					t.Errorf("Endpoint %s returned status %v, want %v", ep, w.Code, http.StatusOK)
				}
			}(endpoint)
		}
	}

	wg.Wait()
}

// TestServerTimeouts tests that server has proper timeout configurations
func TestServerTimeouts(t *testing.T) {
	server := NewServer(testConfig(), collector.NewRegistry(testLogger()), testLogger())

	if server.server.ReadHeaderTimeout != 5*time.Second {
		t.Errorf("ReadHeaderTimeout: got %v, want 5s", server.server.ReadHeaderTimeout)
	}
	if server.server.ReadTimeout != 15*time.Second {
		t.Errorf("ReadTimeout: got %v, want 15s", server.server.ReadTimeout)
	}
	if server.server.WriteTimeout != 15*time.Second {
		t.Errorf("WriteTimeout: got %v, want 15s", server.server.WriteTimeout)
	}
	if server.server.IdleTimeout != 60*time.Second {
		t.Errorf("IdleTimeout: got %v, want 60s", server.server.IdleTimeout)
	}
}

// TestHTTPMethods_OnlyGET tests that non-GET methods are rejected
func TestHTTPMethods_OnlyGET(t *testing.T) {
	server := NewServer(testConfig(), initializedRegistry(), testLogger())

	endpoints := []string{"/", "/health", "/ready", "/metrics"}
	methods := []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch}

	for _, endpoint := range endpoints {
		for _, method := range methods {
			req := httptest.NewRequest(method, endpoint, nil)
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, req)

			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("%s %s returned status %d, want %d", method, endpoint, w.Code, http.StatusMethodNotAllowed)
			}
		}
	}
}

// TestUnknownPath tests that unknown paths return 404
func TestUnknownPath(t *testing.T) {
	server := NewServer(testConfig(), collector.NewRegistry(testLogger()), testLogger())

	resp, _ := get(t, server, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Status code: got %v, want %v", resp.StatusCode, http.StatusNotFound)
	}
}
