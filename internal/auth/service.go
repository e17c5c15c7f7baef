package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"authgate/internal/autherr"
	"authgate/internal/lockout"
	"authgate/internal/session"
	"authgate/internal/token"
)

const (
	defaultStoreTimeout = 3 * time.Second
	dummyPassword       = "authgate-timing-equalizer"
)

// CredentialStore holds credential records. Update must only succeed while
// the stored version still equals expectedVersion and otherwise return
// autherr.ErrConcurrentModification.
type CredentialStore interface {
	Find(ctx context.Context, identifier string) (lockout.Record, error)
	Update(ctx context.Context, id string, expectedVersion int64, patch lockout.Patch) error
	Upsert(ctx context.Context, identifier, passwordHash string) (lockout.Record, error)
}

type Service struct {
	credentials  CredentialStore
	hasher       PasswordHasher
	sessions     *session.Manager
	guard        *lockout.Guard
	storeTimeout time.Duration
	now          func() time.Time
	dummyHash    string
}

func NewService(credentials CredentialStore, hasher PasswordHasher, sessions *session.Manager) *Service {
	s := &Service{
		credentials:  credentials,
		hasher:       hasher,
		sessions:     sessions,
		guard:        lockout.NewGuard(lockout.Config{}),
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
	}
	// Unknown and inactive identifiers are checked against this digest so
	// they cost the same as a wrong password.
	if hash, err := hasher.Hash(dummyPassword); err == nil {
		s.dummyHash = hash
	}
	return s
}

func (s *Service) WithLockoutConfig(threshold int, lockDuration time.Duration) {
	s.guard = lockout.NewGuard(lockout.Config{Threshold: threshold, LockDuration: lockDuration})
}

func (s *Service) WithStoreTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.storeTimeout = timeout
	}
}

func (s *Service) WithClock(now func() time.Time) {
	s.now = now
}

// Login checks a password and opens a session. Locked accounts are rejected
// before the stored digest is looked at. Failures are counted with an
// optimistic update that is retried until it lands, so concurrent failures
// are never lost.
func (s *Service) Login(ctx context.Context, identifier, password string, device session.Device) (session.Grant, error) {
	identifier = normalizeIdentifier(identifier)
	if identifier == "" || password == "" {
		return session.Grant{}, autherr.ErrInvalidCredentials
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	record, err := s.credentials.Find(storeCtx, identifier)
	if err != nil {
		if errors.Is(err, autherr.ErrNotFound) {
			s.burnCompare(password)
			return session.Grant{}, autherr.ErrInvalidCredentials
		}
		return session.Grant{}, fmt.Errorf("find credential: %w", err)
	}
	if !record.IsActive {
		s.burnCompare(password)
		return session.Grant{}, autherr.ErrInvalidCredentials
	}

	now := s.now().UTC()
	if !lockout.CanAttempt(record, now) {
		s.burnCompare(password)
		return session.Grant{}, fmt.Errorf("%w for %s", autherr.ErrAccountLocked, lockout.Remaining(record, now).Round(time.Second))
	}

	if !s.hasher.Verify(password, record.PasswordHash) {
		updated, err := s.recordFailure(storeCtx, identifier)
		if err != nil {
			return session.Grant{}, err
		}
		if lockout.IsLocked(updated.LockedUntil, s.now().UTC()) {
			return session.Grant{}, fmt.Errorf("%w after %d failures", autherr.ErrAccountLocked, updated.FailedAttempts)
		}
		return session.Grant{}, autherr.ErrInvalidCredentials
	}

	if lockout.Dirty(record) {
		if err := s.recordSuccess(storeCtx, identifier); err != nil {
			return session.Grant{}, err
		}
	}

	return s.sessions.CreateSession(ctx, token.Subject{ID: record.ID, Email: record.Identifier}, device)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (session.Grant, error) {
	return s.sessions.RotateRefreshToken(ctx, refreshToken)
}

// Logout ends the session the refresh token belongs to.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.RevokeByRefreshToken(ctx, refreshToken)
}

func (s *Service) LogoutAll(ctx context.Context, userID string) (int, error) {
	return s.sessions.RevokeAllForUser(ctx, userID)
}

func (s *Service) Sessions(ctx context.Context, userID string) ([]session.Session, error) {
	return s.sessions.ListForUser(ctx, userID)
}

// RevokeSession ends one of userID's sessions. Sessions of other users look
// missing.
func (s *Service) RevokeSession(ctx context.Context, userID, sessionID string) error {
	if _, err := s.sessions.Get(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.sessions.RevokeSession(ctx, sessionID)
}

func (s *Service) RevokeOtherSessions(ctx context.Context, userID, currentSessionID string) (int, error) {
	return s.sessions.RevokeOthers(ctx, userID, currentSessionID)
}

// BootstrapFromEnv creates or resets the admin credential when both values
// are configured.
func (s *Service) BootstrapFromEnv(ctx context.Context, adminIdentifier, adminPassword string) error {
	adminIdentifier = normalizeIdentifier(adminIdentifier)
	adminPassword = strings.TrimSpace(adminPassword)

	if adminIdentifier == "" && adminPassword == "" {
		return nil
	}
	if adminIdentifier == "" || adminPassword == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	hash, err := s.hasher.Hash(adminPassword)
	if err != nil {
		return err
	}
	if _, err := s.credentials.Upsert(ctx, adminIdentifier, hash); err != nil {
		return fmt.Errorf("upsert admin credential: %w", err)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, identifier string) (lockout.Record, error) {
	var updated lockout.Record
	err := s.retryConflict(ctx, func(ctx context.Context) error {
		record, err := s.credentials.Find(ctx, identifier)
		if err != nil {
			return fmt.Errorf("find credential: %w", err)
		}

		now := s.now().UTC()
		// A concurrent failure already locked the account; counting more
		// would only push the lock further out.
		if !lockout.CanAttempt(record, now) {
			updated = record
			return nil
		}

		next := s.guard.RecordFailure(record, now)
		if err := s.credentials.Update(ctx, record.ID, record.Version, lockout.PatchOf(next)); err != nil {
			return fmt.Errorf("record failed login: %w", err)
		}
		updated = next
		return nil
	})
	return updated, err
}

func (s *Service) recordSuccess(ctx context.Context, identifier string) error {
	return s.retryConflict(ctx, func(ctx context.Context) error {
		record, err := s.credentials.Find(ctx, identifier)
		if err != nil {
			return fmt.Errorf("find credential: %w", err)
		}
		if !lockout.Dirty(record) {
			return nil
		}

		next := s.guard.RecordSuccess(record, s.now().UTC())
		if err := s.credentials.Update(ctx, record.ID, record.Version, lockout.PatchOf(next)); err != nil {
			return fmt.Errorf("reset failed logins: %w", err)
		}
		return nil
	})
}

// retryConflict re-runs fn while it loses optimistic races. Every lost race
// means another writer landed, and at most threshold failures land before the
// account locks, so the budget is sized from the threshold.
func (s *Service) retryConflict(ctx context.Context, fn retry.RetryFunc) error {
	budget := uint64(s.guard.Threshold()) + 3
	backoff := retry.WithMaxRetries(budget, retry.WithJitter(time.Millisecond, retry.NewConstant(time.Millisecond)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, autherr.ErrConcurrentModification) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Service) burnCompare(password string) {
	if s.dummyHash != "" {
		_ = s.hasher.Verify(password, s.dummyHash)
	}
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
