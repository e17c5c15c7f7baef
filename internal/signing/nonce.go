package signing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"authgate/internal/autherr"
)

// NonceStore remembers nonces for strict single-use. Claim reports false when
// the nonce was already claimed within ttl.
type NonceStore interface {
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

type RedisNonceStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisNonceStore(client redis.UniversalClient, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "nonce"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

func (s *RedisNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+":"+nonce, 1, ttl).Result()
	if err != nil {
		return false, autherr.Unavailable("claim nonce", err)
	}
	return ok, nil
}
