// Package autherr holds the error taxonomy shared by the lockout, token,
// signing, rate limit and session components.
//
// Callers match with errors.Is. Internal detail (why a token was rejected,
// which store call failed) travels as an oops code and is only meant for
// logs; Public collapses authentication-adjacent errors into one value so
// responses do not act as an oracle.
package autherr

import (
	"errors"
	"fmt"

	"github.com/samber/oops"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrAccountLocked          = errors.New("account locked")
	ErrTokenExpired           = errors.New("token expired")
	ErrTokenInvalid           = errors.New("token invalid")
	ErrReplayRejected         = errors.New("replay rejected")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrNotFound               = errors.New("not found")
)

// Internal reason codes attached with oops.
const (
	ReasonTokenMalformed    = "token_malformed"
	ReasonTokenSignature    = "token_signature"
	ReasonTokenAlgorithm    = "token_algorithm"
	ReasonTokenType         = "token_type"
	ReasonRefreshNotFound   = "refresh_not_found"
	ReasonRefreshReused     = "refresh_reused"
	ReasonSessionRevoked    = "session_revoked"
	ReasonAccessSuperseded  = "access_superseded"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonSignatureFormat   = "signature_format"
	ReasonTimestampStale    = "timestamp_stale"
	ReasonTimestampFuture   = "timestamp_future"
	ReasonNonceReused       = "nonce_reused"
)

// WithReason wraps a taxonomy error with an internal reason code.
func WithReason(err error, reason string) error {
	return oops.Code(reason).Wrap(err)
}

// Reason extracts the internal reason code, or "" when none was attached.
func Reason(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code := oopsErr.Code()
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}

// Unavailable marks a store failure as transient.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrStoreUnavailable)
}

// IsAuthFailure reports whether err belongs to the set whose responses must
// be indistinguishable to the external caller.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrAccountLocked) ||
		errors.Is(err, ErrTokenInvalid)
}

// Public maps err to the value that may be shown to an external caller.
func Public(err error) error {
	switch {
	case err == nil:
		return nil
	case IsAuthFailure(err):
		return ErrInvalidCredentials
	case errors.Is(err, ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, ErrReplayRejected):
		return ErrReplayRejected
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrRateLimitExceeded
	case errors.Is(err, ErrConcurrentModification):
		return ErrConcurrentModification
	case errors.Is(err, ErrStoreUnavailable):
		return ErrStoreUnavailable
	default:
		return err
	}
}

// Label names err for metrics: "ok" for nil, a snake_case taxonomy name, or
// "error" for anything outside the taxonomy.
func Label(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenInvalid):
		return "token_invalid"
	case errors.Is(err, ErrReplayRejected):
		return "replay_rejected"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
