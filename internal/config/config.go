package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Port           string
	AllowedOrigins string

	// Worker fleet authentication — one shared bearer token for all workers
	WorkerAuthToken string

	// GitHub webhook relay
	GitHubWebhookSecret string

	// SQLite audit database path. Empty disables the audit store.
	DatabasePath string

	// Fleet timing
	HeartbeatTimeout  time.Duration // worker unregistered if no heartbeat within this window
	QueueWaitTimeout  time.Duration // max time a session waits for a free worker
	InactivityTimeout time.Duration // session closed after this much silence
	PingInterval      time.Duration // liveness probe interval per worker socket

	// Webhook relay rate limiting (per repository)
	WebhookRateLimit  int
	WebhookRateWindow time.Duration

	// Model routing by session mode
	Models ModelRouting
}

// ModelRouting maps session modes to the model a worker should run.
// Build mode uses a lighter model than interview/review.
type ModelRouting struct {
	Interview string `yaml:"interview"`
	Build     string `yaml:"build"`
	Review    string `yaml:"review"`
}

// ModelFor returns the model for a session mode, defaulting to the interview model.
func (m ModelRouting) ModelFor(mode string) string {
	switch mode {
	case "build":
		return m.Build
	case "review":
		return m.Review
	default:
		return m.Interview
	}
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	cfg := &Config{
		Port:           getEnv("PORT", "3100"),
		AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),

		WorkerAuthToken:     getEnv("WORKER_AUTH_TOKEN", ""),
		GitHubWebhookSecret: getEnv("GITHUB_WEBHOOK_SECRET", ""),
		DatabasePath:        getEnv("DATABASE_PATH", "foreman.db"),

		HeartbeatTimeout:  getDurationEnv("HEARTBEAT_TIMEOUT", 60*time.Second),
		QueueWaitTimeout:  getDurationEnv("QUEUE_WAIT_TIMEOUT", 120*time.Second),
		InactivityTimeout: getDurationEnv("SESSION_INACTIVITY_TIMEOUT", 30*time.Minute),
		PingInterval:      getDurationEnv("PING_INTERVAL", 30*time.Second),

		WebhookRateLimit:  getIntEnv("WEBHOOK_RATE_LIMIT", 10),
		WebhookRateWindow: getDurationEnv("WEBHOOK_RATE_WINDOW", 60*time.Second),

		Models: ModelRouting{
			Interview: getEnv("MODEL_INTERVIEW", "claude-opus-4-1"),
			Build:     getEnv("MODEL_BUILD", "claude-sonnet-4-5"),
			Review:    getEnv("MODEL_REVIEW", "claude-opus-4-1"),
		},
	}

	// Optional YAML override for model routing
	if path := os.Getenv("MODELS_FILE"); path != "" {
		if models, err := LoadModels(path); err == nil {
			cfg.Models = *models
		}
	}

	return cfg
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.WorkerAuthToken == "" {
		return fmt.Errorf("WORKER_AUTH_TOKEN is required")
	}
	return nil
}

// LoadModels loads model routing overrides from a YAML file.
func LoadModels(filePath string) (*ModelRouting, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read models file: %w", err)
	}

	var routing ModelRouting
	if err := yaml.Unmarshal(data, &routing); err != nil {
		return nil, fmt.Errorf("failed to parse models YAML: %w", err)
	}

	return &routing, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
