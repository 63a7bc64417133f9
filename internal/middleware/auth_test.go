package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/funnelsmith/api/internal/auth"
)

const testSecret = "middleware-secret"

type stubVerifier struct{}

func (stubVerifier) Validate(token string) (*auth.Claims, error) {
	if token == "provider-token" {
		return &auth.Claims{UserID: "provider-user"}, nil
	}
	return nil, errors.New("unknown token")
}

func newAuthApp(m *AuthMiddleware) *fiber.App {
	app := fiber.New()
	app.Get("/me", m.Authenticate(), func(c *fiber.Ctx) error {
		return c.SendString(GetUserID(c))
	})
	return app
}

func request(t *testing.T, app *fiber.App, header string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body := make([]byte, 64)
	n, _ := resp.Body.Read(body)
	return resp.StatusCode, string(body[:n])
}

func TestAuthenticate_HMAC(t *testing.T) {
	m := NewAuthMiddleware(testSecret)
	token, err := m.GenerateToken("user-7", "u7@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	app := newAuthApp(m)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := request(t, app, tt.header)
			if status != tt.status {
				t.Errorf("expected %d, got %d", tt.status, status)
			}
			if tt.status == http.StatusOK && body != "user-7" {
				t.Errorf("expected user id in locals, got %q", body)
			}
		})
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	m := NewAuthMiddleware(testSecret)
	token, _ := m.GenerateToken("user-7", "", -time.Minute)

	if status, _ := request(t, newAuthApp(m), "Bearer "+token); status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
}

func TestAuthenticate_NotConfigured(t *testing.T) {
	if status, _ := request(t, newAuthApp(NewAuthMiddleware("")), "Bearer x"); status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
}

func TestAuthenticate_VerifierWithFallback(t *testing.T) {
	m := NewAuthMiddlewareWithFallback(stubVerifier{}, testSecret)
	app := newAuthApp(m)

	status, body := request(t, app, "Bearer provider-token")
	if status != http.StatusOK || body != "provider-user" {
		t.Errorf("expected provider user, got %d %q", status, body)
	}

	local, _ := m.GenerateToken("local-user", "", time.Hour)
	status, body = request(t, app, "Bearer "+local)
	if status != http.StatusOK || body != "local-user" {
		t.Errorf("expected fallback to HS256, got %d %q", status, body)
	}
}

func TestAuthenticate_VerifierOnly(t *testing.T) {
	app := newAuthApp(NewAuthMiddlewareWithFallback(stubVerifier{}, ""))

	if status, _ := request(t, app, "Bearer provider-token"); status != http.StatusOK {
		t.Errorf("expected 200, got %d", status)
	}
	if status, _ := request(t, app, "Bearer other"); status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
}

func TestRateLimiter_PassesWithoutRedis(t *testing.T) {
	app := fiber.New()
	app.Get("/", NewRateLimiter(nil, "", nil).SubmitLimit(1), func(c *fiber.Ctx) error {
		return c.SendStatus(http.StatusNoContent)
	})

	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("request %d: expected 204, got %d", i, resp.StatusCode)
		}
	}
}
