package auth_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authgate/internal/auth"
	"authgate/internal/autherr"
	"authgate/internal/lockout"
	"authgate/internal/session"
)

var credentialColumns = []string{
	"id", "identifier", "password_hash", "failed_attempts", "locked_until", "is_active", "version", "created_at", "updated_at",
}

var sessionColumns = []string{
	"id", "user_id", "email", "access_token_hash", "refresh_token_hash", "user_agent", "ip_address", "device_label",
	"created_at", "expires_at", "last_used_at", "revoked", "revoked_at", "version",
}

var refreshColumns = []string{
	"id", "user_id", "session_id", "token_hash", "parent_id", "replaced_by", "created_at", "expires_at", "revoked", "revoked_at", "version",
}

func newMockRepo(t *testing.T) (*auth.Repository, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = conn.Close()
	})
	return auth.NewRepository(conn), mock
}

func TestRepository_Find(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lockedUntil := created.Add(time.Hour)

	t.Run("found", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT id, identifier, password_hash").
			WithArgs("alice@example.com").
			WillReturnRows(sqlmock.NewRows(credentialColumns).
				AddRow("id-1", "alice@example.com", "$2a$hash", 5, lockedUntil, true, int64(7), created, created))

		rec, err := repo.Find(ctx, " Alice@Example.com")
		require.NoError(t, err)
		assert.Equal(t, "id-1", rec.ID)
		assert.Equal(t, 5, rec.FailedAttempts)
		assert.Equal(t, int64(7), rec.Version)
		require.NotNil(t, rec.LockedUntil)
		assert.True(t, lockedUntil.Equal(*rec.LockedUntil))
	})

	t.Run("missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT id, identifier, password_hash").
			WithArgs("bob").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.Find(ctx, "bob")
		assert.ErrorIs(t, err, autherr.ErrNotFound)
	})

	t.Run("driver failure is retryable", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT id, identifier, password_hash").
			WithArgs("bob").
			WillReturnError(errors.New("connection refused"))

		_, err := repo.Find(ctx, "bob")
		assert.ErrorIs(t, err, autherr.ErrStoreUnavailable)
		assert.True(t, autherr.IsRetryable(err))
	})
}

func TestRepository_UpdateIsVersionChecked(t *testing.T) {
	ctx := context.Background()
	until := time.Date(2026, 1, 1, 0, 15, 0, 0, time.UTC)
	patch := lockout.Patch{FailedAttempts: 5, LockedUntil: &until}

	t.Run("applied", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE credentials").
			WithArgs("id-1", int64(3), 5, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Update(ctx, "id-1", 3, patch))
	})

	t.Run("stale version", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE credentials").
			WithArgs("id-1", int64(3), 5, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM credentials`).
			WithArgs("id-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, repo.Update(ctx, "id-1", 3, patch), autherr.ErrConcurrentModification)
	})

	t.Run("missing row", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE credentials").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM credentials`).
			WithArgs("id-9").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.ErrorIs(t, repo.Update(ctx, "id-9", 3, patch), autherr.ErrNotFound)
	})
}

func TestRepository_Upsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO credentials").
		WithArgs(sqlmock.AnyArg(), "admin", "$2a$hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, identifier, password_hash").
		WithArgs("admin").
		WillReturnRows(sqlmock.NewRows(credentialColumns).
			AddRow("id-1", "admin", "$2a$hash", 0, nil, true, int64(1), now, now))

	rec, err := repo.Upsert(context.Background(), "Admin", "$2a$hash")
	require.NoError(t, err)
	assert.Equal(t, "id-1", rec.ID)
	assert.Nil(t, rec.LockedUntil)
}

func TestRepository_Sessions(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := session.Session{
		ID:               "sess-1",
		UserID:           "user-1",
		Email:            "alice@example.com",
		AccessTokenHash:  "ah",
		RefreshTokenHash: "rh",
		Device:           session.Device{UserAgent: "curl", IPAddress: "10.0.0.1"},
		CreatedAt:        created,
		ExpiresAt:        created.Add(24 * time.Hour),
		LastUsedAt:       created,
		Version:          1,
	}

	t.Run("create", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("INSERT INTO sessions").
			WithArgs("sess-1", "user-1", "alice@example.com", "ah", "rh", "curl", "10.0.0.1", "",
				created, created.Add(24*time.Hour), created, false, sqlmock.AnyArg(), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.CreateSession(ctx, s))
	})

	t.Run("get", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		revokedAt := created.Add(time.Hour)
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
			WithArgs("sess-1").
			WillReturnRows(sqlmock.NewRows(sessionColumns).
				AddRow("sess-1", "user-1", "alice@example.com", "ah", "rh", "curl", "10.0.0.1", "laptop",
					created, created.Add(24*time.Hour), created, true, revokedAt, int64(4)))

		got, err := repo.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, "laptop", got.Device.Label)
		assert.True(t, got.Revoked)
		require.NotNil(t, got.RevokedAt)
		assert.Equal(t, int64(4), got.Version)
	})

	t.Run("get missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(sessionColumns))

		_, err := repo.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, autherr.ErrNotFound)
	})

	t.Run("update conflict", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectExec("UPDATE sessions").
			WithArgs("sess-1", int64(1), "ah", "rh", created, false, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM sessions`).
			WithArgs("sess-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, repo.UpdateSession(ctx, s, 1), autherr.ErrConcurrentModification)
	})
}

func TestRepository_RefreshTokens(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	t.Run("list keeps chain edges", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM refresh_tokens").
			WithArgs("sess-1").
			WillReturnRows(sqlmock.NewRows(refreshColumns).
				AddRow("rt-1", "user-1", "sess-1", "h1", nil, "rt-2", created, created.Add(time.Hour), true, created, int64(2)).
				AddRow("rt-2", "user-1", "sess-1", "h2", "rt-1", nil, created, created.Add(time.Hour), false, nil, int64(1)))

		tokens, err := repo.ListRefreshTokensBySession(ctx, "sess-1")
		require.NoError(t, err)
		require.Len(t, tokens, 2)
		assert.Nil(t, tokens[0].ParentID)
		require.NotNil(t, tokens[0].ReplacedBy)
		assert.Equal(t, "rt-2", *tokens[0].ReplacedBy)
		require.NotNil(t, tokens[1].ParentID)
		assert.Equal(t, "rt-1", *tokens[1].ParentID)
		assert.Nil(t, tokens[1].RevokedAt)
	})

	t.Run("get by hash missing", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("SELECT (.+) FROM refresh_tokens WHERE token_hash").
			WithArgs("h9").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetRefreshTokenByHash(ctx, "h9")
		assert.ErrorIs(t, err, autherr.ErrNotFound)
	})

	t.Run("revoke", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		next := "rt-2"
		revokedAt := created.Add(time.Minute)
		mock.ExpectExec("UPDATE refresh_tokens").
			WithArgs("rt-1", int64(1), true, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.UpdateRefreshToken(ctx, session.RefreshToken{ID: "rt-1", Revoked: true, RevokedAt: &revokedAt, ReplacedBy: &next}, 1)
		assert.NoError(t, err)
	})
}

func TestRepository_DeleteExpired(t *testing.T) {
	repo, mock := newMockRepo(t)
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM refresh_tokens t\s+USING sessions s\s+WHERE t.session_id = s.id\s+AND \(s.expires_at < \$1 OR s.revoked_at < \$1\)`).WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM sessions").WithArgs(cutoff).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	res, err := repo.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, session.CleanupResult{DeletedSessions: 2, DeletedRefreshTokens: 3}, res)
}
