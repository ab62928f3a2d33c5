// Package config reads the process configuration from the environment once
// at startup into an immutable struct. Missing required keys are fatal with
// a field-specific error.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized option.
type Config struct {
	// DatabaseURL is required: a postgres:// URL or a SQLite path/URL.
	DatabaseURL string

	ListenAddr string
	LogLevel   slog.Level

	// Auth
	AuthDisabled      bool
	SingleTenant      bool
	OwnerEmail        string
	JWTSecret         string
	InternalAPISecret string
	AdminEmails       []string

	// Concierge / LLM
	LLMTokenStream        bool
	ConciergeTimeout      time.Duration
	DefaultConciergeModel string
	DefaultCommisModel    string
	AnthropicAPIKey       string
	OpenAIAPIKey          string

	// Queue / scheduler
	QueuePollInterval time.Duration
	QueueLease        time.Duration
	QueueBackfill     time.Duration
	QueueWorkers      int
	JobsManifestPath  string
	Retention         time.Duration

	// Ingest / workers
	IngestStaleThreshold time.Duration
	WorkerDataPath       string
}

// Load reads the environment into a Config, validating required keys.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		AuthDisabled:          envBool("AUTH_DISABLED", false),
		SingleTenant:          envBool("SINGLE_TENANT", false),
		OwnerEmail:            os.Getenv("OWNER_EMAIL"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		InternalAPISecret:     os.Getenv("INTERNAL_API_SECRET"),
		LLMTokenStream:        envBool("LLM_TOKEN_STREAM", false),
		ConciergeTimeout:      envSeconds("CONCIERGE_TIMEOUT_SECONDS", 60),
		DefaultConciergeModel: envOr("DEFAULT_CONCIERGE_MODEL", "claude-sonnet-4-5"),
		DefaultCommisModel:    envOr("DEFAULT_COMMIS_MODEL", "claude-haiku-4-5"),
		AnthropicAPIKey:       os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:          os.Getenv("OPENAI_API_KEY"),
		QueuePollInterval:     envSeconds("QUEUE_POLL_SECONDS", 5),
		QueueLease:            envSeconds("QUEUE_LEASE_SECONDS", 900),
		QueueBackfill:         envHours("QUEUE_BACKFILL_HOURS", 24),
		QueueWorkers:          envInt("QUEUE_WORKERS", 2),
		JobsManifestPath:      os.Getenv("JOBS_MANIFEST_PATH"),
		Retention:             envHours("RETENTION_HOURS", 24*30),
		IngestStaleThreshold:  envHours("INGEST_STALE_THRESHOLD_HOURS", 4),
		WorkerDataPath:        envOr("WORKER_DATA_PATH", "./data/workers"),
	}

	if v := os.Getenv("ADMIN_EMAILS"); v != "" {
		for _, email := range strings.Split(v, ",") {
			if email = strings.TrimSpace(email); email != "" {
				cfg.AdminEmails = append(cfg.AdminEmails, email)
			}
		}
	}

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if !cfg.AuthDisabled && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if cfg.SingleTenant && cfg.OwnerEmail == "" {
		return nil, fmt.Errorf("OWNER_EMAIL is required when SINGLE_TENANT=true")
	}
	if cfg.QueueWorkers < 1 {
		return nil, fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}
	return cfg, nil
}

// IsAdminEmail reports whether email is in the configured admin list.
func (c *Config) IsAdminEmail(email string) bool {
	for _, admin := range c.AdminEmails {
		if strings.EqualFold(admin, email) {
			return true
		}
	}
	return false
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", v)
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func envSeconds(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Second
}

func envHours(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Hour
}
