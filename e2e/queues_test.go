package e2e

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestListJobs(t *testing.T) {
	ta := setupApp(t)
	submit(t, ta, validSubmitBody)
	submit(t, ta, validSubmitBody)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/queues/content/jobs", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["queue"] != "content" || body["state"] != "waiting" {
		t.Errorf("expected content/waiting, got %v/%v", body["queue"], body["state"])
	}
	if jobs, ok := body["jobs"].([]interface{}); !ok || len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %v", body["jobs"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/queues/content/jobs?state=completed", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if jobs, _ := parseJSON(t, resp)["jobs"].([]interface{}); len(jobs) != 0 {
		t.Errorf("expected no completed jobs, got %d", len(jobs))
	}
}

func TestListJobs_BadState(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/queues/content/jobs?state=sleeping", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestListJobs_UnknownQueue(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/queues/thumbnails/jobs", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestGetJob(t *testing.T) {
	ta := setupApp(t)
	jobID := submit(t, ta, validSubmitBody)["jobId"].(string)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/queues/content/jobs/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["id"] != jobID || body["queue"] != "content" {
		t.Errorf("unexpected job %v", body)
	}
	if body["maxAttempts"] != float64(3) {
		t.Errorf("expected 3 max attempts, got %v", body["maxAttempts"])
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/api/queues/render/jobs/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestRemoveJob(t *testing.T) {
	ta := setupApp(t)
	jobID := submit(t, ta, validSubmitBody)["jobId"].(string)

	resp, err := doRequest(ta.app, http.MethodDelete, "/api/queues/content/jobs/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp, err = doRequest(ta.app, http.MethodDelete, "/api/queues/content/jobs/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestRemoveJob_ClaimedJobConflicts(t *testing.T) {
	ta := setupApp(t)
	jobID := submit(t, ta, validSubmitBody)["jobId"].(string)

	if _, err := ta.svc.Queues.MustGet("content").Claim(context.Background(), time.Second); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	resp, err := doRequest(ta.app, http.MethodDelete, "/api/queues/content/jobs/"+jobID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusConflict)
	if code := errorCode(t, parseJSON(t, resp)); code != "CONFLICT" {
		t.Errorf("expected CONFLICT, got %s", code)
	}
}
