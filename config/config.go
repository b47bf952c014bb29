package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	// HTTP server
	Port        string
	APIToken    string
	WebhookPath string

	// Webhook signature validation for inbound gateway events
	WebhookSecret string

	// Channel gateway (wuzapi-style HTTP API)
	GatewayBaseURL string
	GatewayAPIKey  string

	// Persistence
	DatabaseURL string

	// RabbitMQ event mirroring (optional)
	RabbitURL   string
	RabbitQueue string

	// S3 media archiving (optional)
	MediaEnabled bool
	S3Endpoint   string
	S3Region     string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3PathStyle  bool
	S3PublicURL  string

	// Assignment queue tuning
	AssignWorkers     int
	AssignMaxAttempts int
	AssignBackoff     time.Duration

	// Bot flow engine tuning
	BotStepBudget   int
	BotTimeoutTick  time.Duration
	DefaultStrategy string

	// Logging
	LogLevel  string
	LogFormat string
}

// LoadConfig loads configuration from environment variables.
// It attempts to load a .env file if present; environment variables take
// precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Info().Msg("No .env file found, relying on environment variables")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{
		Port:              os.Getenv("PORT"),
		APIToken:          os.Getenv("API_TOKEN"),
		WebhookPath:       os.Getenv("WEBHOOK_PATH"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		GatewayBaseURL:    os.Getenv("GATEWAY_BASE_URL"),
		GatewayAPIKey:     os.Getenv("GATEWAY_API_KEY"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		RabbitQueue:       os.Getenv("RABBITMQ_QUEUE"),
		MediaEnabled:      os.Getenv("S3_ENABLED") == "true",
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          os.Getenv("S3_REGION"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3PathStyle:       os.Getenv("S3_PATH_STYLE") == "true",
		S3PublicURL:       os.Getenv("S3_PUBLIC_URL"),
		AssignWorkers:     envInt("ASSIGN_WORKERS", 4),
		AssignMaxAttempts: envInt("ASSIGN_MAX_ATTEMPTS", 3),
		AssignBackoff:     envDuration("ASSIGN_BACKOFF", 2*time.Second),
		BotStepBudget:     envInt("BOT_STEP_BUDGET", 25),
		BotTimeoutTick:    envDuration("BOT_TIMEOUT_TICK", 15*time.Second),
		DefaultStrategy:   os.Getenv("DEFAULT_STRATEGY"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
		log.Info().Str("port", cfg.Port).Msg("PORT not set, using default")
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/webhooks/channel"
		log.Info().Str("path", cfg.WebhookPath).Msg("WEBHOOK_PATH not set, using default")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "chatrouter.db"
		log.Info().Str("database_url", cfg.DatabaseURL).Msg("DATABASE_URL not set, using default")
	}
	if cfg.RabbitQueue == "" {
		cfg.RabbitQueue = "chat_events"
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = "least-busy"
	}

	log.Info().Msg("Configuration loaded")
	return cfg, nil
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration in environment, using default")
		return def
	}
	return v
}
