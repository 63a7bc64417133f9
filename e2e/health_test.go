package e2e

import (
	"net/http"
	"strings"
	"testing"
)

func TestBaseURL(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if _, ok := body["timestamp"]; !ok {
		t.Error("expected 'timestamp' field in response")
	}
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", body["status"])
	}
	store, ok := body["store"].(map[string]interface{})
	if !ok || store["connected"] != true {
		t.Errorf("expected connected store, got %v", body["store"])
	}
	queues, ok := body["queues"].(map[string]interface{})
	if !ok || len(queues) != 3 {
		t.Errorf("expected 3 queues, got %v", body["queues"])
	}
	for _, field := range []string{"limiter", "pool", "memory", "recommendations"} {
		if _, ok := body[field]; !ok {
			t.Errorf("expected '%s' field in response", field)
		}
	}
}

func TestHealth_UnhealthyWhenStoreClosed(t *testing.T) {
	ta := setupApp(t)
	ta.svc.Store.Close()

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusServiceUnavailable)
	if body := parseJSON(t, resp); body["status"] != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %v", body["status"])
	}
}

func TestMetrics(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/metrics", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	for _, field := range []string{"activeJobs", "completedJobs", "errors", "averages", "uptimeSeconds"} {
		if _, ok := body[field]; !ok {
			t.Errorf("expected '%s' field in response", field)
		}
	}
}

func TestPrometheusMetrics(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/metrics/prometheus", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)

	body := readBody(t, resp)
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected Go runtime metrics in exposition")
	}
}
