package config_test

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/config"
	"authgate/internal/ratelimit"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "config-test-secret-0123456789abc")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("SIGNING_KEY", "")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "")
	t.Setenv("LOGIN_LOCK_SECONDS", "")
	t.Setenv("ACCESS_TOKEN_TTL_SECONDS", "")

	cfg, err := config.Load(false)
	require.NoError(t, err)

	assert.True(t, cfg.Memory())
	assert.Equal(t, 5, cfg.LoginMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.LoginLock)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, "HS256", cfg.JWTAlgorithm)
	assert.Nil(t, cfg.SigningKey)
}

func TestLoad_Overrides(t *testing.T) {
	key := make([]byte, 32)
	t.Setenv("JWT_SECRET", "config-test-secret-0123456789abc")
	t.Setenv("DATABASE_URL", "postgres://localhost/authgate")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "3")
	t.Setenv("LOGIN_LOCK_SECONDS", "120")
	t.Setenv("LOGIN_RATE_LIMIT_MAX", "20")
	t.Setenv("LOGIN_RATE_LIMIT_WINDOW_SECONDS", "30")
	t.Setenv("STORE_TIMEOUT_MS", "250")
	t.Setenv("SIGNING_KEY", base64.StdEncoding.EncodeToString(key))
	t.Setenv("RUN_MIGRATIONS_ON_STARTUP", "off")

	cfg, err := config.Load(false)
	require.NoError(t, err)

	assert.False(t, cfg.Memory())
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, 3, cfg.LoginMaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.LoginLock)
	assert.Equal(t, ratelimit.Limit{MaxRequests: 20, Window: 30 * time.Second}, cfg.LoginRateLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, key, cfg.SigningKey)
}

func TestLoad_InvalidNumbersFallBack(t *testing.T) {
	t.Setenv("JWT_SECRET", "config-test-secret-0123456789abc")
	t.Setenv("LOGIN_MAX_ATTEMPTS", "-2")
	t.Setenv("RATE_LIMIT_MAX", "lots")

	cfg, err := config.Load(false)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.LoginMaxAttempts)
	assert.Equal(t, 100, cfg.RateLimit.MaxRequests)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", " ")
		_, err := config.Load(false)
		assert.ErrorIs(t, err, config.ErrMissingEnv)
	})

	t.Run("bad signing key", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "config-test-secret-0123456789abc")
		t.Setenv("SIGNING_KEY", "%%%")
		_, err := config.Load(false)
		assert.ErrorContains(t, err, "SIGNING_KEY")
	})
}

func TestEnvBoolOrDefault(t *testing.T) {
	t.Setenv("FLAG", "yes")
	assert.True(t, config.EnvBoolOrDefault("FLAG", false))
	t.Setenv("FLAG", "maybe")
	assert.False(t, config.EnvBoolOrDefault("FLAG", false))
	t.Setenv("FLAG", "0")
	assert.False(t, config.EnvBoolOrDefault("FLAG", true))
}
