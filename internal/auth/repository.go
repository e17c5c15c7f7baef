package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"authgate/internal/autherr"
	"authgate/internal/lockout"
	"authgate/internal/session"
)

// Repository stores credentials, sessions and refresh tokens in Postgres.
// Every mutable row carries a version column; updates are conditional on it.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

func (r *Repository) Find(ctx context.Context, identifier string) (lockout.Record, error) {
	var rec lockout.Record
	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, identifier, password_hash, failed_attempts, locked_until, is_active, version, created_at, updated_at
		FROM credentials
		WHERE identifier = $1
	`, normalizeIdentifier(identifier)).Scan(
		&rec.ID, &rec.Identifier, &rec.PasswordHash, &rec.FailedAttempts, &lockedUntil,
		&rec.IsActive, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockout.Record{}, autherr.ErrNotFound
		}
		return lockout.Record{}, autherr.Unavailable("query credential", err)
	}
	rec.LockedUntil = timePtr(lockedUntil)

	return rec, nil
}

func (r *Repository) Update(ctx context.Context, id string, expectedVersion int64, patch lockout.Patch) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE credentials
		SET failed_attempts = $3, locked_until = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, patch.FailedAttempts, nullTime(patch.LockedUntil), r.now().UTC())
	if err != nil {
		return autherr.Unavailable("update credential", err)
	}
	return r.checkVersioned(ctx, res, "credentials", id)
}

// Upsert creates the credential or replaces its password, reactivating it.
func (r *Repository) Upsert(ctx context.Context, identifier, passwordHash string) (lockout.Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return lockout.Record{}, fmt.Errorf("generate uuid v7: %w", err)
	}

	now := r.now().UTC()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO credentials (id, identifier, password_hash, failed_attempts, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, 0, TRUE, 1, $4, $4)
		ON CONFLICT (identifier) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			is_active = TRUE,
			version = credentials.version + 1,
			updated_at = EXCLUDED.updated_at
	`, id.String(), normalizeIdentifier(identifier), passwordHash, now)
	if err != nil {
		return lockout.Record{}, autherr.Unavailable("upsert credential", err)
	}

	return r.Find(ctx, identifier)
}

func (r *Repository) CreateSession(ctx context.Context, s session.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, email, access_token_hash, refresh_token_hash, user_agent, ip_address, device_label,
			created_at, expires_at, last_used_at, revoked, revoked_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.ID, s.UserID, s.Email, s.AccessTokenHash, s.RefreshTokenHash,
		s.Device.UserAgent, s.Device.IPAddress, s.Device.Label,
		s.CreatedAt.UTC(), s.ExpiresAt.UTC(), s.LastUsedAt.UTC(), s.Revoked, nullTime(s.RevokedAt), s.Version)
	if err != nil {
		return autherr.Unavailable("insert session", err)
	}
	return nil
}

const sessionColumns = `id, user_id, email, access_token_hash, refresh_token_hash, user_agent, ip_address, device_label,
	created_at, expires_at, last_used_at, revoked, revoked_at, version`

func (r *Repository) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.Session{}, autherr.ErrNotFound
		}
		return session.Session{}, autherr.Unavailable("query session", err)
	}
	return s, nil
}

func (r *Repository) ListSessionsByUser(ctx context.Context, userID string) ([]session.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, autherr.Unavailable("list sessions", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, autherr.Unavailable("scan session", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, autherr.Unavailable("iterate sessions", err)
	}
	return out, nil
}

func (r *Repository) UpdateSession(ctx context.Context, s session.Session, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET access_token_hash = $3, refresh_token_hash = $4, last_used_at = $5, revoked = $6, revoked_at = $7,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, s.ID, expectedVersion, s.AccessTokenHash, s.RefreshTokenHash, s.LastUsedAt.UTC(), s.Revoked, nullTime(s.RevokedAt))
	if err != nil {
		return autherr.Unavailable("update session", err)
	}
	return r.checkVersioned(ctx, res, "sessions", s.ID)
}

func (r *Repository) CreateRefreshToken(ctx context.Context, t session.RefreshToken) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (
			id, user_id, session_id, token_hash, parent_id, replaced_by, created_at, expires_at, revoked, revoked_at, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.UserID, t.SessionID, t.TokenHash, nullString(t.ParentID), nullString(t.ReplacedBy),
		t.CreatedAt.UTC(), t.ExpiresAt.UTC(), t.Revoked, nullTime(t.RevokedAt), t.Version)
	if err != nil {
		return autherr.Unavailable("insert refresh token", err)
	}
	return nil
}

const refreshColumns = `id, user_id, session_id, token_hash, parent_id, replaced_by, created_at, expires_at, revoked, revoked_at, version`

func (r *Repository) GetRefreshToken(ctx context.Context, id string) (session.RefreshToken, error) {
	return r.getRefreshToken(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE id = $1`, id)
}

func (r *Repository) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (session.RefreshToken, error) {
	return r.getRefreshToken(ctx, `SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
}

func (r *Repository) getRefreshToken(ctx context.Context, query, arg string) (session.RefreshToken, error) {
	t, err := scanRefreshToken(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return session.RefreshToken{}, autherr.ErrNotFound
		}
		return session.RefreshToken{}, autherr.Unavailable("query refresh token", err)
	}
	return t, nil
}

func (r *Repository) ListRefreshTokensBySession(ctx context.Context, sessionID string) ([]session.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+refreshColumns+`
		FROM refresh_tokens
		WHERE session_id = $1
		ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, autherr.Unavailable("list refresh tokens", err)
	}
	defer rows.Close()

	var out []session.RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, autherr.Unavailable("scan refresh token", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, autherr.Unavailable("iterate refresh tokens", err)
	}
	return out, nil
}

func (r *Repository) UpdateRefreshToken(ctx context.Context, t session.RefreshToken, expectedVersion int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = $3, revoked_at = $4, replaced_by = $5, version = version + 1
		WHERE id = $1 AND version = $2
	`, t.ID, expectedVersion, t.Revoked, nullTime(t.RevokedAt), nullString(t.ReplacedBy))
	if err != nil {
		return autherr.Unavailable("update refresh token", err)
	}
	return r.checkVersioned(ctx, res, "refresh_tokens", t.ID)
}

// DeleteExpired removes refresh tokens first so the session foreign key never
// blocks the second statement. A token goes with its session only: rotated
// tokens of a live session are kept for reuse detection.
func (r *Repository) DeleteExpired(ctx context.Context, cutoff time.Time) (session.CleanupResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return session.CleanupResult{}, autherr.Unavailable("begin cleanup tx", err)
	}
	defer tx.Rollback()

	tokens, err := tx.ExecContext(ctx, `
		DELETE FROM refresh_tokens t
		USING sessions s
		WHERE t.session_id = s.id
		  AND (s.expires_at < $1 OR s.revoked_at < $1)
	`, cutoff.UTC())
	if err != nil {
		return session.CleanupResult{}, autherr.Unavailable("delete stale refresh tokens", err)
	}
	deletedTokens, err := tokens.RowsAffected()
	if err != nil {
		return session.CleanupResult{}, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	sessions, err := tx.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE expires_at < $1 OR revoked_at < $1
	`, cutoff.UTC())
	if err != nil {
		return session.CleanupResult{}, autherr.Unavailable("delete stale sessions", err)
	}
	deletedSessions, err := sessions.RowsAffected()
	if err != nil {
		return session.CleanupResult{}, fmt.Errorf("stale sessions rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return session.CleanupResult{}, autherr.Unavailable("commit cleanup tx", err)
	}

	return session.CleanupResult{DeletedSessions: deletedSessions, DeletedRefreshTokens: deletedTokens}, nil
}

// checkVersioned turns a zero-row conditional update into not-found or a
// version conflict.
func (r *Repository) checkVersioned(ctx context.Context, res sql.Result, table, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", table, err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return autherr.Unavailable("check "+table+" row", err)
	}
	if !exists {
		return autherr.ErrNotFound
	}
	return autherr.ErrConcurrentModification
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (session.Session, error) {
	var s session.Session
	var revokedAt sql.NullTime
	err := row.Scan(
		&s.ID, &s.UserID, &s.Email, &s.AccessTokenHash, &s.RefreshTokenHash,
		&s.Device.UserAgent, &s.Device.IPAddress, &s.Device.Label,
		&s.CreatedAt, &s.ExpiresAt, &s.LastUsedAt, &s.Revoked, &revokedAt, &s.Version,
	)
	if err != nil {
		return session.Session{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.LastUsedAt = s.LastUsedAt.UTC()
	s.RevokedAt = timePtr(revokedAt)
	return s, nil
}

func scanRefreshToken(row scanner) (session.RefreshToken, error) {
	var t session.RefreshToken
	var parentID, replacedBy sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.UserID, &t.SessionID, &t.TokenHash, &parentID, &replacedBy,
		&t.CreatedAt, &t.ExpiresAt, &t.Revoked, &revokedAt, &t.Version,
	)
	if err != nil {
		return session.RefreshToken{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.ParentID = stringPtr(parentID)
	t.ReplacedBy = stringPtr(replacedBy)
	t.RevokedAt = timePtr(revokedAt)
	return t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	value := s.String
	return &value
}
