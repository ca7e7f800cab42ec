package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"foreman/internal/models"
	"foreman/internal/services"
)

const (
	writeChanSize = 64
	// Read deadline is three missed pings
	readDeadlineFactor = 3
)

// WorkerWSHandler owns the /ws/worker endpoint: bearer auth before upgrade,
// then a per-connection write loop and a frame dispatch read loop.
type WorkerWSHandler struct {
	registry     *services.WorkerRegistry
	proxy        *services.WorkerProxy
	metrics      *services.Metrics
	authToken    string
	pingInterval time.Duration
}

// NewWorkerWSHandler creates the worker socket handler. Metrics may be nil.
func NewWorkerWSHandler(registry *services.WorkerRegistry, proxy *services.WorkerProxy,
	metrics *services.Metrics, authToken string, pingInterval time.Duration) *WorkerWSHandler {
	return &WorkerWSHandler{
		registry:     registry,
		proxy:        proxy,
		metrics:      metrics,
		authToken:    authToken,
		pingInterval: pingInterval,
	}
}

// UpgradeMiddleware rejects non-websocket requests and bad bearer tokens
// before the upgrade happens, so unauthenticated clients get a plain 401
// instead of a half-open socket.
func (h *WorkerWSHandler) UpgradeMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		if !h.tokenValid(bearerToken(c.Get("Authorization"))) {
			log.Printf("⚠️ [WORKER-WS] Rejected connection from %s: bad token", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid authentication token",
			})
		}
		return c.Next()
	}
}

// Handler returns the websocket connection handler.
func (h *WorkerWSHandler) Handler() fiber.Handler {
	return websocket.New(h.handleConnection)
}

func (h *WorkerWSHandler) handleConnection(conn *websocket.Conn) {
	connID := uuid.NewString()
	writeChan := make(chan models.ServerFrame, writeChanSize)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	log.Printf("[WORKER-WS] Connection opened: %s", connID)

	var writeMu sync.Mutex
	go h.writeLoop(conn, writeChan, done, &writeMu)

	defer func() {
		closeDone()
		h.registry.UnregisterByConn(connID, services.ReasonConnectionClosed)
		conn.Close()
		log.Printf("[WORKER-WS] Connection closed: %s", connID)
	}()

	readDeadline := h.pingInterval * readDeadlineFactor
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	workerID := ""
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("⚠️ [WORKER-WS] Read error on %s: %v", connID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame models.WorkerFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("⚠️ [WORKER-WS] Malformed frame on %s: %v", connID, err)
			continue
		}

		switch frame.Type {
		case models.FrameRegister:
			id, ok := h.handleRegister(conn, connID, writeChan, frame.Payload, &writeMu)
			if !ok {
				return
			}
			workerID = id

		case models.FrameHeartbeat:
			var hb models.HeartbeatPayload
			if err := json.Unmarshal(frame.Payload, &hb); err != nil {
				log.Printf("⚠️ [WORKER-WS] Malformed heartbeat on %s: %v", connID, err)
				continue
			}
			h.registry.HandleHeartbeat(&hb)

		case models.FrameEvent:
			if workerID == "" {
				log.Printf("⚠️ [WORKER-WS] Event before register on %s — dropping", connID)
				continue
			}
			var ev models.EventPayload
			if err := json.Unmarshal(frame.Payload, &ev); err != nil {
				log.Printf("⚠️ [WORKER-WS] Malformed event on %s: %v", connID, err)
				continue
			}
			if h.metrics != nil {
				h.metrics.EventsReceived.WithLabelValues(ev.Type).Inc()
			}
			h.proxy.HandleWorkerEvent(workerID, &ev)

		case models.FramePong:
			// Application-level pong; transport pongs reset the deadline above

		default:
			log.Printf("[WORKER-WS] Unknown frame type %q on %s — ignoring", frame.Type, connID)
		}
	}
}

// handleRegister validates and installs a registration. A bad payload token
// gets a policy-violation close; the pre-upgrade check already passed, so
// this only fires for workers sending someone else's token in-band.
func (h *WorkerWSHandler) handleRegister(conn *websocket.Conn, connID string,
	writeChan chan models.ServerFrame, raw json.RawMessage, writeMu *sync.Mutex) (string, bool) {
	var reg models.RegisterPayload
	if err := json.Unmarshal(raw, &reg); err != nil || reg.WorkerID == "" {
		log.Printf("⚠️ [WORKER-WS] Malformed register on %s: %v", connID, err)
		h.closeWithPolicyViolation(conn, "malformed register payload", writeMu)
		return "", false
	}
	if !h.tokenValid(reg.APIToken) {
		log.Printf("⚠️ [WORKER-WS] Worker %s sent invalid register token", reg.WorkerID)
		h.closeWithPolicyViolation(conn, "invalid authentication token", writeMu)
		return "", false
	}

	h.registry.Register(&reg, connID, writeChan)
	writeChan <- models.NewServerFrame(models.FrameRegistered, fiber.Map{
		"workerId": reg.WorkerID,
	})
	return reg.WorkerID, true
}

// writeLoop serializes all outbound traffic for one connection and probes
// liveness with pings. Sharing writeMu with close paths keeps concurrent
// writers off the socket.
func (h *WorkerWSHandler) writeLoop(conn *websocket.Conn, writeChan chan models.ServerFrame,
	done chan struct{}, writeMu *sync.Mutex) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-writeChan:
			writeMu.Lock()
			err := conn.WriteJSON(frame)
			writeMu.Unlock()
			if err != nil {
				log.Printf("⚠️ [WORKER-WS] Write failed: %v", err)
				return
			}
			if h.metrics != nil {
				h.metrics.FramesSent.WithLabelValues(frame.Type).Inc()
			}

		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}

		case <-done:
			return
		}
	}
}

func (h *WorkerWSHandler) closeWithPolicyViolation(conn *websocket.Conn, reason string, writeMu *sync.Mutex) {
	writeMu.Lock()
	defer writeMu.Unlock()
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
}

func (h *WorkerWSHandler) tokenValid(token string) bool {
	if h.authToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.authToken)) == 1
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
