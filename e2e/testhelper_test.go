package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/funnelsmith/api/internal/app"
	"github.com/funnelsmith/api/internal/config"
	"github.com/funnelsmith/api/internal/middleware"
	"github.com/funnelsmith/api/internal/store/memstore"
)

const testJWTSecret = "test-secret-for-e2e"

// testApp holds all components needed for testing
type testApp struct {
	app *fiber.App
	svc *app.App
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: "0", Env: "test"},
		Log:    config.LogConfig{Level: "error", Format: "json"},
		Store:  config.StoreConfig{Driver: "memory"},
		JWT:    config.JWTConfig{Secret: testJWTSecret},
		RateLimit: config.RateLimitConfig{
			RequestsPerMinute: 160,
			CostPerMinute:     1600000,
		},
		Render: config.RenderConfig{PoolSize: 2, MaxIdle: 2},
		Worker: config.WorkerConfig{ClaimTimeout: 50 * time.Millisecond},
	}
}

// setupApp creates the app on the memory store with unconfigured external
// clients. This triggers mock/fallback responses in all services.
func setupApp(t *testing.T, configure ...func(*config.Config)) *testApp {
	t.Helper()

	cfg := testConfig()
	for _, fn := range configure {
		fn(cfg)
	}

	a := app.NewWithStore(cfg, nil, memstore.New(), nil)
	t.Cleanup(func() { a.Close() })

	return &testApp{app: a.HTTP(), svc: a}
}

// startWorkers runs the pipeline workers for the duration of the test
func (ta *testApp) startWorkers(t *testing.T) {
	t.Helper()
	if err := ta.svc.StartWorkers(context.Background()); err != nil {
		t.Fatalf("failed to start workers: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ta.svc.StopWorkers(ctx)
	})
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.NewAuthMiddleware(testJWTSecret).GenerateToken("test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// errorCode returns error.code from an error envelope.
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}
