package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"authgate/internal/autherr"
	"authgate/internal/observability"
	"authgate/internal/session"
	"authgate/internal/token"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID    string
	SessionID string
	Email     string
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ByUser keys rate limits on the authenticated user. Requests without a
// principal are not limited by it.
func ByUser(r *http.Request) string {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		return ""
	}
	return p.UserID
}

// TokenVerifier checks an access token without touching a store.
type TokenVerifier interface {
	Verify(token string) (token.Claims, error)
}

// Authenticator admits requests carrying a valid bearer access token whose
// session is still live. The session is re-read on every request, and only
// the access token minted by its latest login or rotation is accepted.
type Authenticator struct {
	tokens   TokenVerifier
	sessions *session.Manager
	logger   *observability.Logger
	metrics  *observability.Metrics
}

func NewAuthenticator(tokens TokenVerifier, sessions *session.Manager, logger *observability.Logger, metrics *observability.Metrics) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions, logger: logger, metrics: metrics}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		scheme, tokenStr, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tokenStr) == "" {
			writeError(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		tokenStr = strings.TrimSpace(tokenStr)
		claims, err := a.tokens.Verify(tokenStr)
		a.observe(err)
		if err != nil {
			a.reject(w, r, err)
			return
		}

		sess, err := a.sessions.Validate(r.Context(), claims.SessionID())
		if err != nil {
			a.reject(w, r, err)
			return
		}
		if sess.UserID != claims.Subject {
			a.reject(w, r, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSessionRevoked))
			return
		}
		if subtle.ConstantTimeCompare([]byte(session.HashToken(tokenStr)), []byte(sess.AccessTokenHash)) != 1 {
			a.reject(w, r, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonAccessSuperseded))
			return
		}

		if err := a.sessions.Touch(r.Context(), sess.ID); err != nil {
			a.logger.Warn("session_touch_failed", map[string]any{"session_id": sess.ID, "error": err.Error()})
		}

		ctx := WithPrincipal(r.Context(), Principal{UserID: sess.UserID, SessionID: sess.ID, Email: claims.Email})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) observe(err error) {
	if a.metrics != nil {
		a.metrics.TokenVerificationsTotal.WithLabelValues(autherr.Label(err)).Inc()
	}
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, err error) {
	fields := map[string]any{"path": r.URL.Path, "error": err.Error()}
	if reason := autherr.Reason(err); reason != "" {
		fields["reason"] = reason
	}

	switch public := autherr.Public(err); public {
	case autherr.ErrInvalidCredentials:
		a.logger.Warn("access_token_rejected", fields)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case autherr.ErrTokenExpired:
		writeError(w, http.StatusUnauthorized, "token expired")
	case autherr.ErrStoreUnavailable:
		a.logger.Error("session_lookup_failed", fields)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		a.logger.Error("access_token_check_failed", fields)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
