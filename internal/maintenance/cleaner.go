package maintenance

import (
	"context"
	"fmt"
	"time"

	"authgate/internal/observability"
	"authgate/internal/session"
)

const (
	DefaultRetention = 14 * 24 * time.Hour
	DefaultIdle      = 10 * time.Minute
)

type SessionCleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (session.CleanupResult, error)
}

// Sweeper drops idle in-process state, such as rate limit counters.
type Sweeper interface {
	Sweep(idle time.Duration) int
}

type Result struct {
	DeletedSessions      int64 `json:"deleted_sessions"`
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	SweptRateLimitKeys   int   `json:"swept_rate_limit_keys"`
}

// Cleaner purges stale sessions and refresh tokens and sweeps idle limiter
// counters. Cleanup is advisory: nothing relies on it for correctness.
type Cleaner struct {
	sessions  SessionCleaner
	sweepers  []Sweeper
	logger    *observability.Logger
	metrics   *observability.Metrics
	retention time.Duration
	idle      time.Duration
}

func NewCleaner(sessions SessionCleaner, logger *observability.Logger, metrics *observability.Metrics, sweepers ...Sweeper) *Cleaner {
	return &Cleaner{
		sessions:  sessions,
		sweepers:  sweepers,
		logger:    logger,
		metrics:   metrics,
		retention: DefaultRetention,
		idle:      DefaultIdle,
	}
}

func (c *Cleaner) WithRetention(retention, idle time.Duration) {
	if retention >= 0 {
		c.retention = retention
	}
	if idle > 0 {
		c.idle = idle
	}
}

func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	deleted, err := c.sessions.Cleanup(ctx, c.retention)
	if err != nil {
		c.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		return Result{}, fmt.Errorf("cleanup sessions: %w", err)
	}

	res := Result{DeletedSessions: deleted.DeletedSessions, DeletedRefreshTokens: deleted.DeletedRefreshTokens}
	for _, s := range c.sweepers {
		res.SweptRateLimitKeys += s.Sweep(c.idle)
	}

	if c.metrics != nil {
		c.metrics.CleanupDeletedTotal.WithLabelValues("sessions").Add(float64(res.DeletedSessions))
		c.metrics.CleanupDeletedTotal.WithLabelValues("refresh_tokens").Add(float64(res.DeletedRefreshTokens))
		c.metrics.CleanupDeletedTotal.WithLabelValues("rate_limit_keys").Add(float64(res.SweptRateLimitKeys))
	}

	c.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_sessions":       res.DeletedSessions,
		"deleted_refresh_tokens": res.DeletedRefreshTokens,
		"swept_rate_limit_keys":  res.SweptRateLimitKeys,
	})
	return res, nil
}
