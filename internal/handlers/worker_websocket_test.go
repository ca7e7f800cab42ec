package handlers

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"foreman/internal/config"
	"foreman/internal/services"
)

func newWSTestApp(t *testing.T) *fiber.App {
	t.Helper()
	registry := services.NewWorkerRegistry(time.Minute, nil)
	router := services.NewSessionRouter(registry, time.Minute)
	store := services.NewSessionStore(time.Hour, nil)
	subs := services.NewPRSubscriptionRegistry()
	proxy := services.NewWorkerProxy(registry, router, store, subs, config.ModelRouting{})

	h := NewWorkerWSHandler(registry, proxy, nil, "fleet-token", 30*time.Second)
	app := fiber.New()
	app.Use("/ws/worker", h.UpgradeMiddleware())
	app.Get("/ws/worker", h.Handler())
	return app
}

func TestWorkerSocketRequiresUpgrade(t *testing.T) {
	app := newWSTestApp(t)

	req := httptest.NewRequest("GET", "/ws/worker", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Fatalf("plain GET status = %d, want 426", resp.StatusCode)
	}
}

func TestWorkerSocketRejectsBadToken(t *testing.T) {
	app := newWSTestApp(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"wrong", "Bearer not-the-token"},
		{"malformed", "fleet-token"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/ws/worker", nil)
		req.Header.Set("Connection", "Upgrade")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("Sec-WebSocket-Version", "13")
		req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
		if tt.token != "" {
			req.Header.Set("Authorization", tt.token)
		}

		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatalf("%s: app.Test: %v", tt.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != fiber.StatusUnauthorized {
			t.Errorf("%s token: status = %d, want 401 before upgrade", tt.name, resp.StatusCode)
		}
	}
}
