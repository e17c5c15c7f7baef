// Package memstore keeps credentials, sessions and refresh tokens in process
// memory. It follows the same optimistic version contract as the Postgres
// repository and backs local runs and tests.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"authgate/internal/autherr"
	"authgate/internal/session"
)

// SessionStore is an arena of sessions and refresh tokens indexed by id.
// Rotation chains are followed through ids, never pointers.
type SessionStore struct {
	mu           sync.RWMutex
	sessions     map[string]session.Session
	tokens       map[string]session.RefreshToken
	tokenByHash  map[string]string
	userSessions map[string][]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:     make(map[string]session.Session),
		tokens:       make(map[string]session.RefreshToken),
		tokenByHash:  make(map[string]string),
		userSessions: make(map[string][]string),
	}
}

func (s *SessionStore) CreateSession(ctx context.Context, sess session.Session) error {
	if err := ctx.Err(); err != nil {
		return autherr.Unavailable("create session", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("create session %s: already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	s.userSessions[sess.UserID] = append(s.userSessions[sess.UserID], sess.ID)
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, id string) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, autherr.Unavailable("get session", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, autherr.ErrNotFound
	}
	return sess, nil
}

func (s *SessionStore) ListSessionsByUser(ctx context.Context, userID string) ([]session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, autherr.Unavailable("list sessions", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.userSessions[userID]
	out := make([]session.Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *SessionStore) UpdateSession(ctx context.Context, sess session.Session, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return autherr.Unavailable("update session", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[sess.ID]
	if !ok {
		return autherr.ErrNotFound
	}
	if current.Version != expectedVersion {
		return autherr.ErrConcurrentModification
	}
	sess.Version = expectedVersion + 1
	sess.UserID = current.UserID
	s.sessions[sess.ID] = sess
	return nil
}

func (s *SessionStore) CreateRefreshToken(ctx context.Context, t session.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return autherr.Unavailable("create refresh token", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[t.ID]; exists {
		return fmt.Errorf("create refresh token %s: already exists", t.ID)
	}
	if _, exists := s.tokenByHash[t.TokenHash]; exists {
		return fmt.Errorf("create refresh token %s: duplicate hash", t.ID)
	}
	s.tokens[t.ID] = t
	s.tokenByHash[t.TokenHash] = t.ID
	return nil
}

func (s *SessionStore) GetRefreshToken(ctx context.Context, id string) (session.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return session.RefreshToken{}, autherr.Unavailable("get refresh token", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return session.RefreshToken{}, autherr.ErrNotFound
	}
	return t, nil
}

func (s *SessionStore) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (session.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return session.RefreshToken{}, autherr.Unavailable("get refresh token", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokenByHash[tokenHash]
	if !ok {
		return session.RefreshToken{}, autherr.ErrNotFound
	}
	return s.tokens[id], nil
}

func (s *SessionStore) ListRefreshTokensBySession(ctx context.Context, sessionID string) ([]session.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, autherr.Unavailable("list refresh tokens", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []session.RefreshToken
	for _, t := range s.tokens {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *SessionStore) UpdateRefreshToken(ctx context.Context, t session.RefreshToken, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return autherr.Unavailable("update refresh token", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tokens[t.ID]
	if !ok {
		return autherr.ErrNotFound
	}
	if current.Version != expectedVersion {
		return autherr.ErrConcurrentModification
	}
	// The digest is immutable once stored.
	t.TokenHash = current.TokenHash
	t.Version = expectedVersion + 1
	s.tokens[t.ID] = t
	return nil
}

func (s *SessionStore) DeleteExpired(ctx context.Context, cutoff time.Time) (session.CleanupResult, error) {
	if err := ctx.Err(); err != nil {
		return session.CleanupResult{}, autherr.Unavailable("delete expired", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var res session.CleanupResult
	for id, t := range s.tokens {
		// Rotated tokens stay while their session lives; reuse detection needs them.
		if sess, ok := s.sessions[t.SessionID]; ok {
			if !stale(sess.ExpiresAt, sess.RevokedAt, cutoff) {
				continue
			}
		} else if !t.ExpiresAt.Before(cutoff) {
			continue
		}
		delete(s.tokens, id)
		delete(s.tokenByHash, t.TokenHash)
		res.DeletedRefreshTokens++
	}
	for id, sess := range s.sessions {
		if !stale(sess.ExpiresAt, sess.RevokedAt, cutoff) {
			continue
		}
		delete(s.sessions, id)
		s.userSessions[sess.UserID] = without(s.userSessions[sess.UserID], id)
		if len(s.userSessions[sess.UserID]) == 0 {
			delete(s.userSessions, sess.UserID)
		}
		res.DeletedSessions++
	}
	return res, nil
}

func stale(expiresAt time.Time, revokedAt *time.Time, cutoff time.Time) bool {
	return expiresAt.Before(cutoff) || (revokedAt != nil && revokedAt.Before(cutoff))
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
