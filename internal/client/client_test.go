package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/funnelsmith/api/internal/config"
	"github.com/funnelsmith/api/internal/ratelimit"
)

func newTestGroq(t *testing.T, handler http.HandlerFunc) *GroqClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewGroqClient(&config.GroqConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Model:      "llama-3.3-70b-versatile",
		MaxRetries: 2,
	}, nil)
	c.retryBase = time.Millisecond
	return c
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id": "cmpl-1",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 800, "total_tokens": 920},
	})
}

func TestChatCompletion_Success(t *testing.T) {
	c := newTestGroq(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeCompletion(w, `{"title":"ok"}`)
	})

	completion, err := c.ChatCompletion(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if completion.Content != `{"title":"ok"}` {
		t.Errorf("unexpected content %q", completion.Content)
	}
	if completion.Usage.TotalTokens != 920 {
		t.Errorf("expected 920 total tokens, got %d", completion.Usage.TotalTokens)
	}
}

func TestChatCompletion_RetriesRateLimit(t *testing.T) {
	var calls int32
	c := newTestGroq(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeCompletion(w, "{}")
	})

	if _, err := c.ChatCompletion(context.Background(), "s", "u"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestChatCompletion_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	c := newTestGroq(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ChatCompletion(context.Background(), "s", "u")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected APIError 502, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 1 call plus 2 retries, got %d", calls)
	}
}

func TestChatCompletion_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	c := newTestGroq(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	if _, err := c.ChatCompletion(context.Background(), "s", "u"); err == nil {
		t.Fatal("expected an error")
	}
	if calls != 1 {
		t.Errorf("expected a single call, got %d", calls)
	}
}

type countingBudget struct {
	debits int32
	costs  []int
	err    error
}

func (b *countingBudget) WaitForAvailability(ctx context.Context, cost int) error {
	atomic.AddInt32(&b.debits, 1)
	b.costs = append(b.costs, cost)
	return b.err
}

func TestChatCompletion_ChargesBudgetPerRetry(t *testing.T) {
	var calls int32
	budget := &countingBudget{}
	c := newTestGroq(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "{}")
	}).WithBudget(budget)

	if _, err := c.ChatCompletion(context.Background(), "system", "user prompt"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if budget.debits != 2 {
		t.Errorf("expected the 2 retries to be charged, got %d", budget.debits)
	}
	want := ratelimit.EstimateCost("systemuser prompt", ratelimit.DefaultOutputEstimate)
	for _, cost := range budget.costs {
		if cost != want {
			t.Errorf("expected cost %d per retry, got %d", want, cost)
		}
	}
}

func TestChatCompletion_StopsWhenBudgetRefuses(t *testing.T) {
	var calls int32
	budget := &countingBudget{err: context.DeadlineExceeded}
	c := newTestGroq(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}).WithBudget(budget)

	_, err := c.ChatCompletion(context.Background(), "s", "u")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the budget error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected no request without budget, got %d calls", calls)
	}
}

func TestStorageError_Retryable(t *testing.T) {
	if (&StorageError{Code: "AccessDenied"}).Retryable() {
		t.Error("expected AccessDenied to be final")
	}
	if !(&StorageError{Code: "SlowDown"}).Retryable() {
		t.Error("expected SlowDown to be retryable")
	}
}

func TestGroqIsConfigured(t *testing.T) {
	if NewGroqClient(&config.GroqConfig{}, nil).IsConfigured() {
		t.Error("expected client without API key to be unconfigured")
	}
}

func TestStorageError_CarriesProviderCode(t *testing.T) {
	cause := &smithy.GenericAPIError{Code: "NoSuchBucket", Message: "bucket missing"}
	err := storageError("upload", "documents/a/b.pdf", cause)

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if se.Code != "NoSuchBucket" {
		t.Errorf("expected code NoSuchBucket, got %q", se.Code)
	}
	if !errors.Is(err, cause) {
		t.Error("expected the provider error to be unwrappable")
	}
}

func TestStorageError_GenericFailure(t *testing.T) {
	err := storageError("upload", "k", errors.New("connection reset"))

	var se *StorageError
	if !errors.As(err, &se) || se.Code != "" {
		t.Errorf("expected StorageError without code, got %v", err)
	}
}

func TestNewR2Client_IncompleteConfig(t *testing.T) {
	if _, err := NewR2Client(&config.R2Config{BucketName: "docs"}); err == nil {
		t.Error("expected an error for incomplete configuration")
	}
}
