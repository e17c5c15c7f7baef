package memstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"authgate/internal/autherr"
	"authgate/internal/lockout"
)

type CredentialStore struct {
	mu           sync.RWMutex
	records      map[string]lockout.Record
	byIdentifier map[string]string
	now          func() time.Time
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		records:      make(map[string]lockout.Record),
		byIdentifier: make(map[string]string),
		now:          time.Now,
	}
}

func (s *CredentialStore) Find(ctx context.Context, identifier string) (lockout.Record, error) {
	if err := ctx.Err(); err != nil {
		return lockout.Record{}, autherr.Unavailable("find credential", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdentifier[normalize(identifier)]
	if !ok {
		return lockout.Record{}, autherr.ErrNotFound
	}
	return s.records[id], nil
}

// Update writes the lockout fields of record id when its version is still
// expectedVersion.
func (s *CredentialStore) Update(ctx context.Context, id string, expectedVersion int64, patch lockout.Patch) error {
	if err := ctx.Err(); err != nil {
		return autherr.Unavailable("update credential", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return autherr.ErrNotFound
	}
	if r.Version != expectedVersion {
		return autherr.ErrConcurrentModification
	}
	r.FailedAttempts = patch.FailedAttempts
	r.LockedUntil = patch.LockedUntil
	r.Version++
	r.UpdatedAt = s.now().UTC()
	s.records[id] = r
	return nil
}

// Upsert creates or replaces the password of identifier. An existing record
// keeps its id and lockout state.
func (s *CredentialStore) Upsert(ctx context.Context, identifier, passwordHash string) (lockout.Record, error) {
	if err := ctx.Err(); err != nil {
		return lockout.Record{}, autherr.Unavailable("upsert credential", err)
	}
	identifier = normalize(identifier)
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byIdentifier[identifier]; ok {
		r := s.records[id]
		r.PasswordHash = passwordHash
		r.IsActive = true
		r.Version++
		r.UpdatedAt = now
		s.records[id] = r
		return r, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return lockout.Record{}, err
	}
	r := lockout.Record{
		ID:           id.String(),
		Identifier:   identifier,
		PasswordHash: passwordHash,
		IsActive:     true,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.records[r.ID] = r
	s.byIdentifier[identifier] = r.ID
	return r, nil
}

// SetActive enables or disables a credential.
func (s *CredentialStore) SetActive(ctx context.Context, identifier string, active bool) error {
	if err := ctx.Err(); err != nil {
		return autherr.Unavailable("set credential active", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byIdentifier[normalize(identifier)]
	if !ok {
		return autherr.ErrNotFound
	}
	r := s.records[id]
	r.IsActive = active
	r.Version++
	s.records[id] = r
	return nil
}

func normalize(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
