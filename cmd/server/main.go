package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foreman/internal/config"
	"foreman/internal/database"
	"foreman/internal/handlers"
	"foreman/internal/jobs"
	"foreman/internal/logging"
	"foreman/internal/middleware"
	"foreman/internal/models"
	"foreman/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Foreman coordinator...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, heartbeat timeout: %v, queue wait: %v)",
		cfg.Port, cfg.HeartbeatTimeout, cfg.QueueWaitTimeout)

	// SQLite audit trail — optional, the fleet runs fine without it
	var audit *database.DB
	if cfg.DatabasePath != "" {
		var err error
		audit, err = database.New(cfg.DatabasePath)
		if err != nil {
			log.Printf("⚠️ Audit database unavailable: %v (continuing without audit trail)", err)
			audit = nil
		} else {
			defer audit.Close()
			if err := audit.Initialize(); err != nil {
				log.Fatalf("❌ Failed to initialize audit database: %v", err)
			}
			log.Println("✅ Audit database ready")
		}
	}

	// Fleet services. Wire-up order matters: all listeners are registered
	// before the first connection can arrive.
	registry := services.NewWorkerRegistry(cfg.HeartbeatTimeout, audit)
	router := services.NewSessionRouter(registry, cfg.QueueWaitTimeout)
	store := services.NewSessionStore(cfg.InactivityTimeout, audit)
	subscriptions := services.NewPRSubscriptionRegistry()
	proxy := services.NewWorkerProxy(registry, router, store, subscriptions, cfg.Models)

	metrics := services.NewMetrics(registry, router, store, subscriptions)
	registry.OnDisconnected(func(workerID, reason string) {
		metrics.WorkerDisconnects.Inc()
	})
	router.OnAssigned(func(a *models.Assignment) {
		metrics.SessionsStarted.Inc()
	})
	router.OnQueued(func(sessionID string, position int) {
		metrics.SessionsQueued.Inc()
	})
	router.OnQueueTimeout(func(sessionID string) {
		metrics.QueueTimeouts.Inc()
	})
	router.OnPromoted(func(sessionID string, waited time.Duration) {
		metrics.QueueWaitSeconds.Observe(waited.Seconds())
	})
	store.OnClosed(func(sessionID string, phase models.SessionPhase) {
		switch phase {
		case models.PhaseCompleted:
			metrics.SessionsCompleted.Inc()
		case models.PhaseError:
			metrics.SessionsFailed.Inc()
		case models.PhaseTimedOut:
			metrics.SessionsTimedOut.Inc()
		}
	})
	store.OnTimeout(func(sessionID string) {
		// The worker may still be grinding away on a session nobody is
		// watching anymore
		proxy.CancelSession(sessionID, "inactivity timeout")
	})

	// Background maintenance
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("closed-session-reaper",
		jobs.NewClosedSessionReaperJob(store, 10*time.Minute, 1*time.Hour))
	jobScheduler.Register("subscription-sweeper",
		jobs.NewSubscriptionSweeperJob(subscriptions, 1*time.Hour, 30*24*time.Hour))
	jobScheduler.Start()

	// HTTP + WebSocket surface
	app := fiber.New(fiber.Config{
		AppName:      "Foreman",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prometheus := fiberprometheus.New("foreman")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, WS=%d/min, Webhook=%d/min",
		rateLimitConfig.GlobalAPIMax, rateLimitConfig.WebSocketMax, rateLimitConfig.WebhookMax)

	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Handlers
	healthHandler := handlers.NewHealthHandler(registry, store)
	fleetHandler := handlers.NewFleetHandler(registry, router, store, subscriptions)
	workerWS := handlers.NewWorkerWSHandler(registry, proxy, metrics, cfg.WorkerAuthToken, cfg.PingInterval)
	webhookHandler := handlers.NewPRWebhookHandler(subscriptions, proxy, metrics,
		cfg.GitHubWebhookSecret, cfg.WebhookRateLimit, cfg.WebhookRateWindow)

	app.Get("/health", healthHandler.Health)

	app.Use("/ws/worker", middleware.WebSocketRateLimiter(rateLimitConfig), workerWS.UpgradeMiddleware())
	app.Get("/ws/worker", workerWS.Handler())

	api := app.Group("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	api.Post("/webhooks/github", middleware.WebhookRateLimiter(rateLimitConfig), webhookHandler.Handle)

	fleet := api.Group("/fleet")
	fleet.Get("/workers", fleetHandler.ListWorkers)
	fleet.Get("/sessions", fleetHandler.ListSessions)
	fleet.Get("/sessions/:id", fleetHandler.GetSession)
	fleet.Get("/queue", fleetHandler.ListQueue)
	fleet.Get("/subscriptions", fleetHandler.ListSubscriptions)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down coordinator...")
		jobScheduler.Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
