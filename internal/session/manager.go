// Package session owns the lifecycle of sessions and rotating refresh tokens.
//
// The Manager is the only writer of Session and RefreshToken records. It never
// holds a lock across a store round trip; every mutation is an optimistic,
// version-checked update against the Store.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"authgate/internal/autherr"
	"authgate/internal/token"
)

const (
	DefaultTTL          = 7 * 24 * time.Hour
	DefaultStoreTimeout = 3 * time.Second
	conflictRetries     = 3
)

// AccessIssuer mints access tokens bound to a session id.
type AccessIssuer interface {
	Issue(sessionID string, subject token.Subject, ttl time.Duration) (token.Issued, error)
	TTL() time.Duration
}

type Config struct {
	TTL          time.Duration
	StoreTimeout time.Duration
}

// ReuseHook is called after a revoked refresh token was presented and its
// chain has been revoked.
type ReuseHook func(ctx context.Context, presented RefreshToken)

type Manager struct {
	store        Store
	issuer       AccessIssuer
	ttl          time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	onReuse      ReuseHook
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithReuseHook(hook ReuseHook) Option {
	return func(m *Manager) {
		m.onReuse = hook
	}
}

func NewManager(store Store, issuer AccessIssuer, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		issuer:       issuer,
		ttl:          DefaultTTL,
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
	}
	if cfg.TTL > 0 {
		m.ttl = cfg.TTL
	}
	if cfg.StoreTimeout > 0 {
		m.storeTimeout = cfg.StoreTimeout
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateSession opens a session for subject and returns its first grant.
func (m *Manager) CreateSession(ctx context.Context, subject token.Subject, device Device) (Grant, error) {
	if subject.ID == "" {
		return Grant{}, errors.New("create session: subject id is required")
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	sessionID, err := uuid.NewV7()
	if err != nil {
		return Grant{}, fmt.Errorf("generate session id: %w", err)
	}
	refreshID, err := uuid.NewV7()
	if err != nil {
		return Grant{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	raw, err := newOpaqueToken()
	if err != nil {
		return Grant{}, err
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.ttl)
	access, err := m.mint(sessionID.String(), subject, now, expiresAt)
	if err != nil {
		return Grant{}, err
	}

	sess := Session{
		ID:               sessionID.String(),
		UserID:           subject.ID,
		Email:            subject.Email,
		AccessTokenHash:  HashToken(access.Token),
		RefreshTokenHash: HashToken(raw),
		Device:           device,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		LastUsedAt:       now,
		Version:          1,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Grant{}, storeErr("create session", err)
	}

	refresh := RefreshToken{
		ID:        refreshID.String(),
		UserID:    subject.ID,
		SessionID: sess.ID,
		TokenHash: sess.RefreshTokenHash,
		CreatedAt: now,
		ExpiresAt: expiresAt,
		Version:   1,
	}
	if err := m.store.CreateRefreshToken(ctx, refresh); err != nil {
		return Grant{}, storeErr("create refresh token", err)
	}

	return Grant{Session: sess, Refresh: refresh, RefreshToken: raw, Access: access}, nil
}

// RotateRefreshToken exchanges a live refresh token for a new grant. A
// revoked token is treated as stolen: its whole chain and the owning session
// are revoked before the call fails.
func (m *Manager) RotateRefreshToken(ctx context.Context, presented string) (Grant, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return Grant{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonRefreshNotFound)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	current, err := m.store.GetRefreshTokenByHash(ctx, HashToken(presented))
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Grant{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonRefreshNotFound)
		}
		return Grant{}, storeErr("get refresh token", err)
	}

	now := m.now().UTC()
	if current.Revoked {
		if err := m.revokeChain(ctx, current, now); err != nil {
			return Grant{}, fmt.Errorf("revoke reused refresh chain: %w", err)
		}
		if m.onReuse != nil {
			m.onReuse(ctx, current)
		}
		return Grant{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonRefreshReused)
	}

	sess, err := m.store.GetSession(ctx, current.SessionID)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Grant{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSessionRevoked)
		}
		return Grant{}, storeErr("get session", err)
	}
	if err := checkUsable(sess, now); err != nil {
		return Grant{}, err
	}
	if !now.Before(current.ExpiresAt) {
		return Grant{}, autherr.ErrTokenExpired
	}

	successorID, err := uuid.NewV7()
	if err != nil {
		return Grant{}, fmt.Errorf("generate refresh token id: %w", err)
	}
	raw, err := newOpaqueToken()
	if err != nil {
		return Grant{}, err
	}
	access, err := m.mint(sess.ID, sess.Subject(), now, sess.ExpiresAt)
	if err != nil {
		return Grant{}, err
	}

	// Revoking the presented token first is what serializes concurrent
	// rotations: only one caller can move it from live to revoked.
	revoked := current
	revoked.Revoked = true
	revoked.RevokedAt = &now
	revoked.ReplacedBy = ptr(successorID.String())
	if err := m.store.UpdateRefreshToken(ctx, revoked, current.Version); err != nil {
		return Grant{}, storeErr("revoke rotated refresh token", err)
	}

	successor := RefreshToken{
		ID:        successorID.String(),
		UserID:    current.UserID,
		SessionID: current.SessionID,
		TokenHash: HashToken(raw),
		ParentID:  ptr(current.ID),
		CreatedAt: now,
		ExpiresAt: sess.ExpiresAt,
		Version:   1,
	}
	if err := m.store.CreateRefreshToken(ctx, successor); err != nil {
		return Grant{}, storeErr("create refresh token", err)
	}

	sess, err = m.updateSession(ctx, sess.ID, func(s *Session) error {
		if err := checkUsable(*s, now); err != nil {
			return err
		}
		s.AccessTokenHash = HashToken(access.Token)
		s.RefreshTokenHash = successor.TokenHash
		s.LastUsedAt = now
		return nil
	})
	if err != nil {
		// The session went away under us; the successor must not outlive it.
		revokeCtx, cancelRevoke := m.withTimeout(context.WithoutCancel(ctx))
		defer cancelRevoke()
		if _, revokeErr := m.revokeRefresh(revokeCtx, successor.ID, now); revokeErr != nil {
			err = errors.Join(err, revokeErr)
		}
		return Grant{}, err
	}

	return Grant{Session: sess, Refresh: successor, RefreshToken: raw, Access: access}, nil
}

// RevokeSession revokes the session and all of its refresh tokens.
// Revoking an already revoked session is a no-op.
func (m *Manager) RevokeSession(ctx context.Context, sessionID string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	_, err := m.revokeSession(ctx, sessionID, m.now().UTC())
	return err
}

// RevokeAllForUser revokes every session of userID and returns how many were
// still live.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	return m.revokeForUser(ctx, userID, "")
}

// RevokeOthers revokes every session of userID except keepSessionID.
func (m *Manager) RevokeOthers(ctx context.Context, userID, keepSessionID string) (int, error) {
	if keepSessionID == "" {
		return 0, errors.New("revoke other sessions: session id is required")
	}
	return m.revokeForUser(ctx, userID, keepSessionID)
}

// RevokeByRefreshToken ends the session a refresh token belongs to.
func (m *Manager) RevokeByRefreshToken(ctx context.Context, presented string) error {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonRefreshNotFound)
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	t, err := m.store.GetRefreshTokenByHash(ctx, HashToken(presented))
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonRefreshNotFound)
		}
		return storeErr("get refresh token", err)
	}

	_, err = m.revokeSession(ctx, t.SessionID, m.now().UTC())
	if errors.Is(err, autherr.ErrNotFound) {
		return nil
	}
	return err
}

// Touch records use of the session. It never extends ExpiresAt.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	now := m.now().UTC()
	_, err := m.updateSession(ctx, sessionID, func(s *Session) error {
		if err := checkUsable(*s, now); err != nil {
			return err
		}
		s.LastUsedAt = now
		return nil
	})
	return err
}

// Validate re-reads the session and fails unless it is still usable.
func (m *Manager) Validate(ctx context.Context, sessionID string) (Session, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			return Session{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSessionRevoked)
		}
		return Session{}, storeErr("get session", err)
	}
	if err := checkUsable(s, m.now().UTC()); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns a session owned by userID.
func (m *Manager) Get(ctx context.Context, userID, sessionID string) (Session, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, storeErr("get session", err)
	}
	if s.UserID != userID {
		return Session{}, autherr.ErrNotFound
	}
	return s, nil
}

// ListForUser returns the usable sessions of userID, most recently used first.
func (m *Manager) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	all, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}

	now := m.now().UTC()
	active := make([]Session, 0, len(all))
	for _, s := range all {
		if s.Usable(now) {
			active = append(active, s)
		}
	}
	slices.SortFunc(active, func(a, b Session) int {
		return b.LastUsedAt.Compare(a.LastUsedAt)
	})
	return active, nil
}

// Cleanup purges records that expired or were revoked more than retention ago.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	if retention < 0 {
		retention = 0
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	res, err := m.store.DeleteExpired(ctx, m.now().UTC().Add(-retention))
	if err != nil {
		return CleanupResult{}, storeErr("delete expired sessions", err)
	}
	return res, nil
}

func (m *Manager) revokeForUser(ctx context.Context, userID, keep string) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return 0, storeErr("list sessions", err)
	}

	now := m.now().UTC()
	revoked := 0
	for _, s := range sessions {
		if s.ID == keep {
			continue
		}
		changed, err := m.revokeSession(ctx, s.ID, now)
		if err != nil && !errors.Is(err, autherr.ErrNotFound) {
			return revoked, err
		}
		if changed {
			revoked++
		}
	}
	return revoked, nil
}

func (m *Manager) revokeSession(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	changed := false
	_, err := m.updateSession(ctx, sessionID, func(s *Session) error {
		if s.Revoked {
			return errUnchanged
		}
		s.Revoked = true
		s.RevokedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}

	tokens, err := m.store.ListRefreshTokensBySession(ctx, sessionID)
	if err != nil {
		return changed, storeErr("list refresh tokens", err)
	}
	for _, t := range tokens {
		if t.Revoked {
			continue
		}
		if _, err := m.revokeRefresh(ctx, t.ID, now); err != nil && !errors.Is(err, autherr.ErrNotFound) {
			return changed, err
		}
	}
	return changed, nil
}

// revokeChain walks the rotation chain through ReplacedBy and ParentID edges
// and revokes every link, then the owning session.
func (m *Manager) revokeChain(ctx context.Context, start RefreshToken, now time.Time) error {
	visited := make(map[string]struct{})
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		link, err := m.revokeRefresh(ctx, id, now)
		if errors.Is(err, autherr.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if link.ReplacedBy != nil {
			queue = append(queue, *link.ReplacedBy)
		}
		if link.ParentID != nil {
			queue = append(queue, *link.ParentID)
		}
	}

	_, err := m.revokeSession(ctx, start.SessionID, now)
	if errors.Is(err, autherr.ErrNotFound) {
		return nil
	}
	return err
}

func (m *Manager) revokeRefresh(ctx context.Context, id string, now time.Time) (RefreshToken, error) {
	var out RefreshToken
	err := retryConflict(ctx, func(ctx context.Context) error {
		t, err := m.store.GetRefreshToken(ctx, id)
		if err != nil {
			return storeErr("get refresh token", err)
		}
		out = t
		if t.Revoked {
			return nil
		}

		expected := t.Version
		t.Revoked = true
		t.RevokedAt = &now
		if err := m.store.UpdateRefreshToken(ctx, t, expected); err != nil {
			return storeErr("revoke refresh token", err)
		}
		t.Version = expected + 1
		out = t
		return nil
	})
	return out, err
}

var errUnchanged = errors.New("unchanged")

// updateSession applies mutate to a fresh copy of the session and writes it
// back, re-reading and re-applying when another writer got there first.
func (m *Manager) updateSession(ctx context.Context, id string, mutate func(*Session) error) (Session, error) {
	var out Session
	err := retryConflict(ctx, func(ctx context.Context) error {
		s, err := m.store.GetSession(ctx, id)
		if err != nil {
			return storeErr("get session", err)
		}
		if err := mutate(&s); err != nil {
			if errors.Is(err, errUnchanged) {
				out = s
				return nil
			}
			return err
		}

		expected := s.Version
		if err := m.store.UpdateSession(ctx, s, expected); err != nil {
			return storeErr("update session", err)
		}
		s.Version = expected + 1
		out = s
		return nil
	})
	return out, err
}

func (m *Manager) mint(sessionID string, subject token.Subject, now, sessionExpiresAt time.Time) (token.Issued, error) {
	ttl := m.issuer.TTL()
	if remaining := sessionExpiresAt.Sub(now); remaining < ttl {
		ttl = remaining
	}
	if ttl < time.Second {
		return token.Issued{}, autherr.ErrTokenExpired
	}
	issued, err := m.issuer.Issue(sessionID, subject, ttl)
	if err != nil {
		return token.Issued{}, fmt.Errorf("issue access token: %w", err)
	}
	return issued, nil
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.storeTimeout)
}

func checkUsable(s Session, now time.Time) error {
	if s.Revoked {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSessionRevoked)
	}
	if !now.Before(s.ExpiresAt) {
		return autherr.ErrTokenExpired
	}
	return nil
}

// retryConflict re-runs fn while it loses optimistic races.
func retryConflict(ctx context.Context, fn retry.RetryFunc) error {
	backoff := retry.WithMaxRetries(conflictRetries, retry.NewConstant(5*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, autherr.ErrConcurrentModification) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// storeErr turns an exceeded store deadline into a retryable failure.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, autherr.ErrStoreUnavailable) {
		return autherr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func ptr[T any](v T) *T {
	return &v
}
