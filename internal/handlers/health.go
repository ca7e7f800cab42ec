package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"foreman/internal/services"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	registry  *services.WorkerRegistry
	store     *services.SessionStore
	startedAt time.Time
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(registry *services.WorkerRegistry, store *services.SessionStore) *HealthHandler {
	return &HealthHandler{
		registry:  registry,
		store:     store,
		startedAt: time.Now(),
	}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"workers":        h.registry.Count(),
		"open_sessions":  h.store.Count(),
		"timestamp":      time.Now().UTC(),
	})
}
