package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"authgate/internal/autherr"
	"authgate/internal/observability"
	"authgate/internal/ratelimit"
	"authgate/internal/session"
)

var identifierRegex = regexp.MustCompile(`^[a-z0-9_.@+-]{3,254}$`)

const (
	maxJSONBodyBytes  = 1 << 20
	minPasswordLength = 12
	maxPasswordLength = 200
)

type Handler struct {
	service *Service
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewHandler(service *Service, logger *observability.Logger, metrics *observability.Metrics) *Handler {
	return &Handler{service: service, logger: logger, metrics: metrics}
}

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	DeviceLabel string `json:"device_label,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	identifier := normalizeIdentifier(body.Username)
	if !identifierRegex.MatchString(identifier) {
		writeError(w, http.StatusBadRequest, "username format is invalid")
		return
	}
	if len(body.Password) < minPasswordLength || len(body.Password) > maxPasswordLength {
		writeError(w, http.StatusBadRequest, "password format is invalid")
		return
	}

	device := session.Device{
		UserAgent: r.UserAgent(),
		IPAddress: ratelimit.ClientIP(r),
		Label:     strings.TrimSpace(body.DeviceLabel),
	}
	grant, err := h.service.Login(r.Context(), identifier, body.Password, device)
	if h.metrics != nil {
		h.metrics.LoginAttemptsTotal.WithLabelValues(autherr.Label(err)).Inc()
	}
	if err != nil {
		h.fail(w, "login_failed", err, map[string]any{"ip": device.IPAddress})
		return
	}

	h.logger.Info("login_succeeded", map[string]any{
		"user_id":    grant.Session.UserID,
		"session_id": grant.Session.ID,
		"ip":         device.IPAddress,
	})
	writeJSON(w, http.StatusOK, tokensFromGrant(grant))
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	grant, err := h.service.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken))
	if err != nil {
		h.fail(w, "refresh_failed", err, map[string]any{"ip": ratelimit.ClientIP(r)})
		return
	}

	writeJSON(w, http.StatusOK, tokensFromGrant(grant))
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.RefreshToken = strings.TrimSpace(body.RefreshToken)
	if body.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid refresh token")
		return
	}

	if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
		h.fail(w, "logout_failed", err, nil)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	revoked, err := h.service.LogoutAll(r.Context(), principal.UserID)
	if err != nil {
		h.fail(w, "logout_all_failed", err, map[string]any{"user_id": principal.UserID})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	sessions, err := h.service.Sessions(r.Context(), principal.UserID)
	if err != nil {
		h.fail(w, "list_sessions_failed", err, map[string]any{"user_id": principal.UserID})
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s, principal.SessionID))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}

	if err := h.service.RevokeSession(r.Context(), principal.UserID, sessionID); err != nil {
		h.fail(w, "revoke_session_failed", err, map[string]any{"user_id": principal.UserID, "session_id": sessionID})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFrom(r.Context())
	revoked, err := h.service.RevokeOtherSessions(r.Context(), principal.UserID, principal.SessionID)
	if err != nil {
		h.fail(w, "revoke_other_sessions_failed", err, map[string]any{"user_id": principal.UserID})
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

// fail writes the public form of err. Authentication failures all share one
// body so callers cannot tell a locked account from a wrong password or a
// forged token; the real reason only reaches the log.
func (h *Handler) fail(w http.ResponseWriter, event string, err error, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["error"] = err.Error()
	if reason := autherr.Reason(err); reason != "" {
		fields["reason"] = reason
	}

	switch public := autherr.Public(err); {
	case errors.Is(public, autherr.ErrInvalidCredentials):
		h.logger.Warn(event, fields)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(public, autherr.ErrTokenExpired):
		h.logger.Info(event, fields)
		writeError(w, http.StatusUnauthorized, "token expired")
	case errors.Is(err, autherr.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(public, autherr.ErrConcurrentModification):
		h.logger.Warn(event, fields)
		writeError(w, http.StatusConflict, "request conflicted with a concurrent update, retry")
	case errors.Is(public, autherr.ErrStoreUnavailable):
		h.logger.Error(event, fields)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		h.logger.Error(event, fields)
		observability.CaptureError(err, map[string]string{"event": event})
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
