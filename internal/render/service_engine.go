package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/funnelsmith/api/internal/model"
)

// ServiceConfig points at an HTML-to-PDF rendering service. Each engine holds
// one browser session on the service.
type ServiceConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ServiceEngine renders through a session on a remote rendering service
type ServiceEngine struct {
	httpClient *http.Client
	baseURL    string
	sessionID  string
	connected  atomic.Bool
}

type sessionResponse struct {
	ID string `json:"id"`
}

type renderRequest struct {
	HTML     string `json:"html"`
	FileName string `json:"file_name"`
	Format   string `json:"format"`
}

// NewServiceLauncher returns a Launcher that opens a new session per engine
func NewServiceLauncher(cfg ServiceConfig) Launcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}

	return func(ctx context.Context) (Engine, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BaseURL+"/sessions", nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to open render session: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("render service error (status %d): %s", resp.StatusCode, string(respBody))
		}

		var session sessionResponse
		if err := json.Unmarshal(respBody, &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if session.ID == "" {
			return nil, errors.New("render service returned no session id")
		}

		e := &ServiceEngine{
			httpClient: httpClient,
			baseURL:    cfg.BaseURL,
			sessionID:  session.ID,
		}
		e.connected.Store(true)
		return e, nil
	}
}

// Render implements Engine
func (e *ServiceEngine) Render(ctx context.Context, doc *model.Document) (*Artifact, error) {
	if !e.connected.Load() {
		return nil, ErrDisconnected
	}

	page, err := HTML(doc)
	if err != nil {
		return nil, err
	}
	bodyBytes, err := json.Marshal(renderRequest{HTML: string(page), FileName: doc.Title + ".pdf", Format: "Letter"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.sessionURL()+"/pdf", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			e.connected.Store(false)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		e.connected.Store(false)
		return nil, fmt.Errorf("%w: session %s expired", ErrDisconnected, e.sessionID)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("render service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	pages, _ := strconv.Atoi(resp.Header.Get("X-Page-Count"))
	return &Artifact{Data: respBody, Pages: pages}, nil
}

// Connected implements Engine
func (e *ServiceEngine) Connected() bool {
	return e.connected.Load()
}

// Close ends the session. Errors are reported but the engine is unusable afterwards.
func (e *ServiceEngine) Close() error {
	e.connected.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, e.sessionURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close render session: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (e *ServiceEngine) sessionURL() string {
	return e.baseURL + "/sessions/" + e.sessionID
}
