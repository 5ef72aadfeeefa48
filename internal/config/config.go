package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	Port string
	Env  string

	// Storage. DatabaseURL selects the Postgres store; otherwise the
	// SQLite store at SQLitePath is used.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Delivery policy
	Cooldown         time.Duration // minimum interval between agent commits
	MaxPerRoom       int           // retained messages per room
	MaxQueuePerAgent int           // parked sends per cooling agent
	MaxMessageChars  int
	MaxBodyBytes     int64
	RouterTimeout    time.Duration // per-attempt delivery deadline
	RouterMaxRetries int
	RouterRetryDelay time.Duration // base backoff, scaled by attempt number

	// Bootstrap roster: inline JSON or a file path
	AgentsJSON string
	AgentsFile string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8790"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("OPS_DB", "./data/opsfloor.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Cooldown:         getEnvMillis("AGENT_COOLDOWN_MS", 12_000),
		MaxPerRoom:       getEnvInt("MAX_PER_ROOM", 5000),
		MaxQueuePerAgent: getEnvInt("MAX_QUEUE_PER_AGENT", 100),
		MaxMessageChars:  getEnvInt("MAX_MESSAGE_CHARS", 4000),
		MaxBodyBytes:     int64(getEnvInt("MAX_BODY_BYTES", 1_000_000)),
		RouterTimeout:    getEnvMillis("ROUTER_TIMEOUT_MS", 1500),
		RouterMaxRetries: getEnvInt("ROUTER_MAX_RETRIES", 2),
		RouterRetryDelay: getEnvMillis("ROUTER_RETRY_DELAY_MS", 120),
		AgentsJSON:       os.Getenv("OPS_AGENTS_JSON"),
		AgentsFile:       os.Getenv("OPS_AGENTS_FILE"),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require an explicit store location
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" && os.Getenv("OPS_DB") == "" {
			panic("DATABASE_URL or OPS_DB is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvMillis(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvInt(key, defaultValue)) * time.Millisecond
}
