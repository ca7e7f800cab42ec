package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"foreman/internal/models"
	"foreman/internal/services"
)

// FleetHandler serves the read-only fleet inspection API used by operators
// and the chat layer.
type FleetHandler struct {
	registry      *services.WorkerRegistry
	router        *services.SessionRouter
	store         *services.SessionStore
	subscriptions *services.PRSubscriptionRegistry
}

// NewFleetHandler creates the fleet API handler.
func NewFleetHandler(registry *services.WorkerRegistry, router *services.SessionRouter,
	store *services.SessionStore, subscriptions *services.PRSubscriptionRegistry) *FleetHandler {
	return &FleetHandler{
		registry:      registry,
		router:        router,
		store:         store,
		subscriptions: subscriptions,
	}
}

type workerView struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	Hostname       string           `json:"hostname,omitempty"`
	Projects       []models.Project `json:"projects"`
	DefaultProject string           `json:"default_project,omitempty"`
	ActiveSessions []string         `json:"active_sessions"`
	ConnectedAt    time.Time        `json:"connected_at"`
	LastHeartbeat  time.Time        `json:"last_heartbeat"`
}

type sessionView struct {
	*models.SessionRecord
	AssignedWorker string `json:"assigned_worker,omitempty"`
	Orphaned       bool   `json:"orphaned"`
}

// ListWorkers handles GET /api/fleet/workers.
func (h *FleetHandler) ListWorkers(c *fiber.Ctx) error {
	workers := h.registry.List()
	views := make([]workerView, 0, len(workers))
	for _, w := range workers {
		views = append(views, workerView{
			ID:             w.ID,
			Status:         string(w.Status),
			Hostname:       w.Hostname,
			Projects:       w.Projects,
			DefaultProject: w.DefaultProject,
			ActiveSessions: w.SessionIDs(),
			ConnectedAt:    w.ConnectedAt,
			LastHeartbeat:  w.LastHeartbeat,
		})
	}
	return c.JSON(fiber.Map{"workers": views, "count": len(views)})
}

// ListSessions handles GET /api/fleet/sessions.
func (h *FleetHandler) ListSessions(c *fiber.Ctx) error {
	records := h.store.List()
	views := make([]sessionView, 0, len(records))
	for _, rec := range records {
		views = append(views, h.sessionView(rec))
	}
	return c.JSON(fiber.Map{"sessions": views, "count": len(views)})
}

// GetSession handles GET /api/fleet/sessions/:id.
func (h *FleetHandler) GetSession(c *fiber.Ctx) error {
	rec, ok := h.store.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "session not found",
		})
	}
	return c.JSON(h.sessionView(rec))
}

// ListQueue handles GET /api/fleet/queue.
func (h *FleetHandler) ListQueue(c *fiber.Ctx) error {
	queue := h.router.QueueSnapshot()
	return c.JSON(fiber.Map{"queue": queue, "count": len(queue)})
}

// ListSubscriptions handles GET /api/fleet/subscriptions.
func (h *FleetHandler) ListSubscriptions(c *fiber.Ctx) error {
	subs := h.subscriptions.List()
	return c.JSON(fiber.Map{"subscriptions": subs, "count": len(subs)})
}

// sessionView decorates a record with its live assignment. A session is
// orphaned when it is still open but no worker holds it.
func (h *FleetHandler) sessionView(rec *models.SessionRecord) sessionView {
	workerID, assigned := h.router.GetWorkerForSession(rec.ID)
	return sessionView{
		SessionRecord:  rec,
		AssignedWorker: workerID,
		Orphaned:       !rec.Closed && !assigned,
	}
}
