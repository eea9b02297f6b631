package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the server's environment-driven settings.
type Config struct {
	DatabaseURL       string
	Port              string
	SchedulerEnabled  bool
	SchedulerInterval time.Duration
	CacheTTL          time.Duration
	WebhookTimeout    time.Duration
}

// loadConfig reads configuration from the environment, with an optional
// .env file for local development.
func loadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Port:              envOr("PORT", "8080"),
		SchedulerEnabled:  envBool("SCHEDULER_ENABLED", true),
		SchedulerInterval: envDuration("SCHEDULER_INTERVAL", time.Minute),
		CacheTTL:          envDuration("RULES_CACHE_TTL", 30*time.Second),
		WebhookTimeout:    envDuration("WEBHOOK_TIMEOUT", 30*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	return cfg, nil
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
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
