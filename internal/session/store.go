package session

import (
	"context"
	"time"
)

// Store persists sessions and refresh tokens.
//
// Lookups return autherr.ErrNotFound for missing records. Update* calls
// succeed only while the stored Version equals expectedVersion; otherwise they
// return autherr.ErrConcurrentModification. A successful update stores the
// record with Version expectedVersion+1. Transport or driver failures are
// wrapped with autherr.ErrStoreUnavailable.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]Session, error)
	UpdateSession(ctx context.Context, s Session, expectedVersion int64) error

	CreateRefreshToken(ctx context.Context, t RefreshToken) error
	GetRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshToken, error)
	ListRefreshTokensBySession(ctx context.Context, sessionID string) ([]RefreshToken, error)
	UpdateRefreshToken(ctx context.Context, t RefreshToken, expectedVersion int64) error

	// DeleteExpired removes sessions and refresh tokens that expired or were
	// revoked before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (CleanupResult, error)
}
