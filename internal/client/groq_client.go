package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/funnelsmith/api/internal/config"
	"github.com/funnelsmith/api/internal/ratelimit"
)

// Budget is charged before every retried request
type Budget interface {
	WaitForAvailability(ctx context.Context, cost int) error
}

// GroqClient handles communication with Groq API
type GroqClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	maxRetries  int
	retryBase   time.Duration
	budget      Budget
	log         *zap.Logger
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat asks the model for a specific output format
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

// TokenUsage is the token accounting returned by the API
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the text and usage of one chat completion
type Completion struct {
	Content      string
	FinishReason string
	Usage        TokenUsage
}

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("groq API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed when repeated
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewGroqClient creates a new Groq API client
func NewGroqClient(cfg *config.GroqConfig, log *zap.Logger) *GroqClient {
	timeout := 60 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GroqClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		retryBase:   time.Second,
		log:         log.Named("groq"),
	}
}

// WithBudget charges b for each retried request. The caller pays for the
// first request itself.
func (c *GroqClient) WithBudget(b Budget) *GroqClient {
	c.budget = b
	return c
}

// ChatCompletion sends a chat completion request to Groq. Rate limit, server
// and network errors are retried with exponential backoff.
func (c *GroqClient) ChatCompletion(ctx context.Context, system, user string) (*Completion, error) {
	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxElapsedTime = 0
	retries := c.maxRetries
	if retries < 0 {
		retries = 0
	}

	cost := ratelimit.EstimateCost(system+user, ratelimit.DefaultOutputEstimate)
	attempt := 0

	var completion *Completion
	operation := func() error {
		attempt++
		if attempt > 1 && c.budget != nil {
			if err := c.budget.WaitForAvailability(ctx, cost); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limiter: %w", err))
			}
		}
		result, err := c.send(ctx, bodyBytes)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		completion = result
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("groq request failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx), notify)
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func (c *GroqClient) send(ctx context.Context, bodyBytes []byte) (*Completion, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to unmarshal response: %w", err))
	}

	if len(chatResp.Choices) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("no choices in response"))
	}

	return &Completion{
		Content:      chatResp.Choices[0].Message.Content,
		FinishReason: chatResp.Choices[0].FinishReason,
		Usage:        chatResp.Usage,
	}, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *GroqClient) IsConfigured() bool {
	return c.apiKey != ""
}
