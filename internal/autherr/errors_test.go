package autherr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"authgate/internal/autherr"
)

func TestWithReason(t *testing.T) {
	t.Run("keeps the taxonomy error matchable", func(t *testing.T) {
		err := autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenSignature)
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
		assert.Equal(t, autherr.ReasonTokenSignature, autherr.Reason(err))
	})

	t.Run("reason survives further wrapping", func(t *testing.T) {
		err := fmt.Errorf("verify access token: %w", autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenMalformed))
		assert.ErrorIs(t, err, autherr.ErrTokenInvalid)
		assert.Equal(t, autherr.ReasonTokenMalformed, autherr.Reason(err))
	})

	t.Run("plain errors have no reason", func(t *testing.T) {
		assert.Empty(t, autherr.Reason(errors.New("boom")))
	})
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, autherr.IsRetryable(autherr.ErrConcurrentModification))
	assert.True(t, autherr.IsRetryable(autherr.Unavailable("find credential", errors.New("dial tcp: refused"))))
	assert.False(t, autherr.IsRetryable(autherr.ErrAccountLocked))
	assert.False(t, autherr.IsRetryable(autherr.ErrTokenExpired))
}

func TestPublic(t *testing.T) {
	t.Run("auth failures collapse into one value", func(t *testing.T) {
		locked := autherr.Public(fmt.Errorf("login: %w", autherr.ErrAccountLocked))
		invalid := autherr.Public(autherr.ErrInvalidCredentials)
		token := autherr.Public(autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonRefreshReused))

		assert.Equal(t, invalid, locked)
		assert.Equal(t, invalid, token)
		assert.Equal(t, invalid.Error(), locked.Error())
	})

	t.Run("non auth errors keep their identity", func(t *testing.T) {
		assert.Equal(t, autherr.ErrTokenExpired, autherr.Public(autherr.ErrTokenExpired))
		assert.Equal(t, autherr.ErrRateLimitExceeded, autherr.Public(autherr.ErrRateLimitExceeded))
		assert.Nil(t, autherr.Public(nil))
	})
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "ok", autherr.Label(nil))
	assert.Equal(t, "account_locked", autherr.Label(fmt.Errorf("login: %w", autherr.ErrAccountLocked)))
	assert.Equal(t, "token_invalid", autherr.Label(autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenSignature)))
	assert.Equal(t, "store_unavailable", autherr.Label(autherr.Unavailable("get session", errors.New("timeout"))))
	assert.Equal(t, "error", autherr.Label(errors.New("boom")))
}
