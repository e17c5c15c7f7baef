package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"authgate/internal/token"
)

const refreshTokenBytes = 48

// Device describes where a session was opened from.
type Device struct {
	UserAgent string `json:"user_agent,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Label     string `json:"label,omitempty"`
}

type Session struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Email            string     `json:"-"`
	AccessTokenHash  string     `json:"-"`
	RefreshTokenHash string     `json:"-"`
	Device           Device     `json:"device"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastUsedAt       time.Time  `json:"last_used_at"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	Version          int64      `json:"-"`
}

// Usable is true while the session is neither revoked nor expired.
func (s Session) Usable(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}

func (s Session) Subject() token.Subject {
	return token.Subject{ID: s.UserID, Email: s.Email}
}

// RefreshToken is one link of a rotation chain. ParentID and ReplacedBy are
// ids of the neighbouring links.
type RefreshToken struct {
	ID         string
	UserID     string
	SessionID  string
	TokenHash  string
	ParentID   *string
	ReplacedBy *string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
	Version    int64
}

func (t RefreshToken) Usable(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// Grant is what a client receives after login or rotation. RefreshToken is
// the only place the plaintext refresh token ever appears.
type Grant struct {
	Session      Session
	Refresh      RefreshToken
	RefreshToken string
	Access       token.Issued
}

type CleanupResult struct {
	DeletedSessions      int64 `json:"deleted_sessions"`
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
}

// HashToken is the digest stored in place of a bearer secret.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newOpaqueToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
