package signing

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"authgate/internal/autherr"
)

const (
	HeaderSignature = "X-Signature"
	maxBodyBytes    = 1 << 20
)

// Observer is told about every verification outcome.
type Observer func(err error)

// Middleware authenticates server-to-server requests by the envelope in the
// X-Signature header, computed over CanonicalRequest. It is independent of
// sessions.
type Middleware struct {
	signer  *Signer
	maxAge  time.Duration
	nonces  NonceStore
	observe Observer
}

func NewMiddleware(signer *Signer, maxAge time.Duration, nonces NonceStore, observe Observer) *Middleware {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Middleware{signer: signer, maxAge: maxAge, nonces: nonces, observe: observe}
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := m.verify(r)
		if m.observe != nil {
			m.observe(err)
		}
		if err != nil {
			switch {
			case errors.Is(err, autherr.ErrStoreUnavailable):
				writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			case errors.Is(err, autherr.ErrReplayRejected):
				writeError(w, http.StatusUnauthorized, "request expired")
			case errors.Is(err, errBodyTooLarge):
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			default:
				writeError(w, http.StatusUnauthorized, "invalid signature")
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}

var errBodyTooLarge = errors.New("request body too large")

func (m *Middleware) verify(r *http.Request) error {
	raw := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if raw == "" {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}

	body, err := readBody(r)
	if err != nil {
		return err
	}

	message := CanonicalRequest(r.Method, r.URL.Path, r.URL.RawQuery, body)
	if err := m.signer.Verify(message, env, m.maxAge); err != nil {
		return err
	}

	if env.Nonce != nil && m.nonces != nil {
		fresh, err := m.nonces.Claim(r.Context(), *env.Nonce, m.maxAge)
		if err != nil {
			return err
		}
		if !fresh {
			return autherr.WithReason(autherr.ErrReplayRejected, autherr.ReasonNonceReused)
		}
	}

	return nil
}

// readBody drains the body for hashing and puts it back for the handler.
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}
	if len(body) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
