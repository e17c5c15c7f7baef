package auth

import (
	"time"

	"authgate/internal/session"
)

type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	SessionID    string `json:"session_id"`
}

func tokensFromGrant(g session.Grant) Tokens {
	return Tokens{
		AccessToken:  g.Access.Token,
		RefreshToken: g.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    g.Access.ExpiresIn,
		SessionID:    g.Session.ID,
	}
}

type sessionView struct {
	ID         string         `json:"id"`
	Device     session.Device `json:"device"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	LastUsedAt time.Time      `json:"last_used_at"`
	Current    bool           `json:"current"`
}

func viewOf(s session.Session, currentID string) sessionView {
	return sessionView{
		ID:         s.ID,
		Device:     s.Device,
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.ExpiresAt,
		LastUsedAt: s.LastUsedAt,
		Current:    s.ID == currentID,
	}
}
