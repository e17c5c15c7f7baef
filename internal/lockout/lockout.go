// Package lockout counts failed logins and temporarily locks accounts.
//
// The guard is a set of pure transformations over a credential Record. The
// credential store owns the record and persists the result with an
// optimistic update keyed on Record.Version.
package lockout

import (
	"time"
)

const (
	DefaultThreshold    = 5
	DefaultLockDuration = 15 * time.Minute
)

// Record is a user's authentication state as held by the credential store.
type Record struct {
	ID             string
	Identifier     string
	PasswordHash   string
	FailedAttempts int
	LockedUntil    *time.Time
	IsActive       bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Patch is the subset of a Record the guard changes.
type Patch struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// PatchOf returns the lockout fields of r.
func PatchOf(r Record) Patch {
	return Patch{FailedAttempts: r.FailedAttempts, LockedUntil: r.LockedUntil}
}

type Config struct {
	Threshold    int
	LockDuration time.Duration
}

type Guard struct {
	threshold    int
	lockDuration time.Duration
}

func NewGuard(cfg Config) *Guard {
	g := &Guard{threshold: DefaultThreshold, lockDuration: DefaultLockDuration}
	if cfg.Threshold > 0 {
		g.threshold = cfg.Threshold
	}
	if cfg.LockDuration > 0 {
		g.lockDuration = cfg.LockDuration
	}
	return g
}

func (g *Guard) Threshold() int {
	return g.threshold
}

func (g *Guard) LockDuration() time.Duration {
	return g.lockDuration
}

// CanAttempt is false while LockedUntil lies in the future.
func CanAttempt(r Record, now time.Time) bool {
	return !IsLocked(r.LockedUntil, now)
}

func IsLocked(lockedUntil *time.Time, now time.Time) bool {
	return lockedUntil != nil && lockedUntil.After(now)
}

// RecordFailure returns r with one more failed attempt. Reaching the
// threshold sets LockedUntil to now+lockDuration. A lock that has already
// lapsed is cleared first so the account gets a fresh budget.
func (g *Guard) RecordFailure(r Record, now time.Time) Record {
	if r.LockedUntil != nil && !r.LockedUntil.After(now) {
		r.FailedAttempts = 0
		r.LockedUntil = nil
	}

	r.FailedAttempts++
	if r.FailedAttempts >= g.threshold {
		until := now.Add(g.lockDuration)
		r.LockedUntil = &until
	}
	r.UpdatedAt = now
	return r
}

// RecordSuccess returns r with the failure counter and lock cleared.
func (g *Guard) RecordSuccess(r Record, now time.Time) Record {
	r.FailedAttempts = 0
	r.LockedUntil = nil
	r.UpdatedAt = now
	return r
}

// Dirty reports whether RecordSuccess would change r.
func Dirty(r Record) bool {
	return r.FailedAttempts != 0 || r.LockedUntil != nil
}

// Remaining returns how long the lock still holds at now.
func Remaining(r Record, now time.Time) time.Duration {
	if !IsLocked(r.LockedUntil, now) {
		return 0
	}
	return r.LockedUntil.Sub(now)
}
