package e2e

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/funnelsmith/api/internal/config"
)

const validSubmitBody = `{"title":"Morning Routines That Stick","category":"Productivity","chapterCount":3,"details":"for remote workers"}`

func submit(t *testing.T, ta *testApp, body string) map[string]interface{} {
	t.Helper()
	resp, err := doRequest(ta.app, http.MethodPost, "/api/pipeline", body, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	return parseJSON(t, resp)
}

func TestSubmit_Accepted(t *testing.T) {
	ta := setupApp(t)

	body := submit(t, ta, validSubmitBody)
	if body["jobId"] == nil || body["jobId"] == "" {
		t.Error("expected non-empty jobId")
	}
	if body["correlationId"] == nil || body["correlationId"] == "" {
		t.Error("expected non-empty correlationId")
	}
	if body["queue"] != "content" {
		t.Errorf("expected queue 'content', got %v", body["queue"])
	}
	if body["state"] != "waiting" {
		t.Errorf("expected state 'waiting', got %v", body["state"])
	}
}

func TestSubmit_KeepsCorrelationID(t *testing.T) {
	ta := setupApp(t)

	body := submit(t, ta, `{"correlationId":"order-42","title":"Sleep Better","category":"Health","chapterCount":2}`)
	if body["correlationId"] != "order-42" {
		t.Errorf("expected correlationId 'order-42', got %v", body["correlationId"])
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	ta := setupApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing title", `{"category":"Health","chapterCount":3}`},
		{"short title", `{"title":"ab","category":"Health","chapterCount":3}`},
		{"missing category", `{"title":"Sleep Better","chapterCount":3}`},
		{"zero chapters", `{"title":"Sleep Better","category":"Health","chapterCount":0}`},
		{"too many chapters", `{"title":"Sleep Better","category":"Health","chapterCount":21}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := doRequest(ta.app, http.MethodPost, "/api/pipeline", tt.body, nil)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)
			if code := errorCode(t, parseJSON(t, resp)); code != "VALIDATION_ERROR" {
				t.Errorf("expected VALIDATION_ERROR, got %s", code)
			}
		})
	}
}

func TestStatus_Waiting(t *testing.T) {
	ta := setupApp(t)
	jobID := submit(t, ta, validSubmitBody)["jobId"].(string)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/pipeline/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["stage"] != "content" || body["state"] != "waiting" {
		t.Errorf("expected content/waiting, got %v/%v", body["stage"], body["state"])
	}
	if stages, ok := body["stages"].([]interface{}); !ok || len(stages) != 1 {
		t.Errorf("expected one stage entry, got %v", body["stages"])
	}
}

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/pipeline/does-not-exist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	if code := errorCode(t, parseJSON(t, resp)); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestPipeline_RunsToDone(t *testing.T) {
	ta := setupApp(t)
	ta.startWorkers(t)

	jobID := submit(t, ta, validSubmitBody)["jobId"].(string)

	var body map[string]interface{}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := doRequest(ta.app, http.MethodGet, "/api/pipeline/"+jobID, "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		body = parseJSON(t, resp)
		if body["stage"] == "done" || body["stage"] == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if body["stage"] != "done" {
		t.Fatalf("expected pipeline to finish, got %v", body)
	}
	fileURL, _ := body["fileUrl"].(string)
	if !strings.Contains(fileURL, "documents/") || !strings.HasSuffix(fileURL, jobID+".pdf") {
		t.Errorf("unexpected fileUrl %q", fileURL)
	}
	if pages, _ := body["pages"].(float64); pages < 3 {
		t.Errorf("expected at least 3 pages, got %v", body["pages"])
	}
	if stages, ok := body["stages"].([]interface{}); !ok || len(stages) != 3 {
		t.Errorf("expected three stage entries, got %v", body["stages"])
	}

	// the final stage records its metrics just after the job is marked completed
	var completed float64
	for i := 0; i < 50 && completed != 3; i++ {
		resp, err := doRequest(ta.app, http.MethodGet, "/metrics", "", nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		completed, _ = parseJSON(t, resp)["completedJobs"].(float64)
		if completed != 3 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if completed != 3 {
		t.Errorf("expected 3 completed stage jobs, got %v", completed)
	}
}

func TestAuth_RequiredWhenEnabled(t *testing.T) {
	ta := setupApp(t, func(cfg *config.Config) { cfg.JWT.Enabled = true })

	resp, err := doRequest(ta.app, http.MethodPost, "/api/pipeline", validSubmitBody, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
	if code := errorCode(t, parseJSON(t, resp)); code != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %s", code)
	}

	resp, err = doRequest(ta.app, http.MethodPost, "/api/pipeline", validSubmitBody, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/pipeline", validSubmitBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()
}

func TestAuth_HealthIsPublic(t *testing.T) {
	ta := setupApp(t, func(cfg *config.Config) { cfg.JWT.Enabled = true })

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
