// Package config reads service settings from the environment. A .env file is
// honoured when present; real environment variables win over it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"authgate/internal/ratelimit"
	"authgate/internal/signing"
)

var ErrMissingEnv = errors.New("missing required env")

type Config struct {
	Port     string
	AppEnv   string
	LogLevel string

	DatabaseURL   string
	RedisURL      string
	RunMigrations bool
	StoreTimeout  time.Duration

	JWTSecret      string
	JWTAlgorithm   string
	AccessTokenTTL time.Duration
	SessionTTL     time.Duration

	LoginMaxAttempts int
	LoginLock        time.Duration
	BcryptCost       int

	RateLimit      ratelimit.Limit
	LoginRateLimit ratelimit.Limit

	SigningKey    []byte
	SigningMaxAge time.Duration

	SentryDSN       string
	CronSecret      string
	CleanupSchedule string
	Retention       time.Duration

	AdminUsername string
	AdminPassword string
}

// Load reads the environment, optionally after loading a .env file.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	cfg := Config{
		Port:     envOrDefault("PORT", "8080"),
		AppEnv:   envOrDefault("APP_ENV", "development"),
		LogLevel: envOrDefault("LOG_LEVEL", "info"),

		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		RunMigrations: EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),
		StoreTimeout:  envMillisOrDefault("STORE_TIMEOUT_MS", 3000),

		JWTSecret:      strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTAlgorithm:   envOrDefault("JWT_ALGORITHM", "HS256"),
		AccessTokenTTL: envSecondsOrDefault("ACCESS_TOKEN_TTL_SECONDS", 900),
		SessionTTL:     envSecondsOrDefault("SESSION_TTL_SECONDS", 7*24*3600),

		LoginMaxAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		LoginLock:        envSecondsOrDefault("LOGIN_LOCK_SECONDS", 900),
		BcryptCost:       envIntOrDefault("BCRYPT_COST", 12),

		RateLimit: ratelimit.Limit{
			MaxRequests: envIntOrDefault("RATE_LIMIT_MAX", 100),
			Window:      envSecondsOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		LoginRateLimit: ratelimit.Limit{
			MaxRequests: envIntOrDefault("LOGIN_RATE_LIMIT_MAX", 10),
			Window:      envSecondsOrDefault("LOGIN_RATE_LIMIT_WINDOW_SECONDS", 60),
		},

		SigningMaxAge: envSecondsOrDefault("SIGNING_MAX_AGE_SECONDS", 300),

		SentryDSN:       strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		CronSecret:      strings.TrimSpace(os.Getenv("CRON_SECRET")),
		CleanupSchedule: envOrDefault("CLEANUP_SCHEDULE", "@every 15m"),
		Retention:       envDaysOrDefault("AUTH_RETENTION_DAYS", 14),

		AdminUsername: strings.TrimSpace(os.Getenv("ADMIN_USERNAME")),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("%w: JWT_SECRET", ErrMissingEnv)
	}

	if raw := strings.TrimSpace(os.Getenv("SIGNING_KEY")); raw != "" {
		key, err := signing.DecodeKey(raw)
		if err != nil {
			return Config{}, fmt.Errorf("SIGNING_KEY: %w", err)
		}
		cfg.SigningKey = key
	}

	return cfg, nil
}

// Memory reports whether the in-process stores are used.
func (c Config) Memory() bool {
	return c.DatabaseURL == ""
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMillisOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Millisecond
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
