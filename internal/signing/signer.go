// Package signing authenticates discrete messages between two parties that
// share a 32-byte secret.
//
// The MAC is HMAC-SHA256 over "<unix timestamp>.<message>", base64 encoded.
// When a nonce is supplied the input becomes
// "<unix timestamp>:<len(nonce)>:<nonce>.<message>". The separator after the
// digits tells the two forms apart and the length prefix fixes where the
// nonce ends, so neither form can be rewritten into the other. Nonce
// single-use is the caller's concern; see NonceStore.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"authgate/internal/autherr"
)

const (
	KeySize       = 32
	DefaultMaxAge = 5 * time.Minute
)

var ErrInvalidKey = errors.New("signing key must be 32 bytes")

// Envelope is the signed-message wire format that travels next to the raw
// message.
type Envelope struct {
	Signature string  `json:"signature"`
	Timestamp int64   `json:"timestamp"`
	Nonce     *string `json:"nonce"`
}

func (e Envelope) Encode() (string, error) {
	encoded, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode signature envelope: %w", err)
	}
	return string(encoded), nil
}

func ParseEnvelope(raw string) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Envelope{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}
	if e.Signature == "" || e.Timestamp <= 0 {
		return Envelope{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureFormat)
	}
	return e, nil
}

type Signer struct {
	key []byte
	now func() time.Time
}

type Option func(*Signer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(key []byte, opts ...Option) (*Signer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	s := &Signer{key: append([]byte(nil), key...), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return key, nil
}

// DecodeKey parses a base64 key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func (s *Signer) Sign(message []byte) Envelope {
	ts := s.now().Unix()
	return Envelope{Signature: compute(s.key, ts, message, nil), Timestamp: ts}
}

func (s *Signer) SignWithNonce(message []byte, nonce string) Envelope {
	ts := s.now().Unix()
	return Envelope{Signature: compute(s.key, ts, message, &nonce), Timestamp: ts, Nonce: &nonce}
}

// Verify checks the envelope against message. Stale or future timestamps fail
// with ErrReplayRejected; any MAC mismatch fails with ErrTokenInvalid.
func (s *Signer) Verify(message []byte, env Envelope, maxAge time.Duration) error {
	now := s.now().Unix()
	if env.Timestamp > now {
		return autherr.WithReason(autherr.ErrReplayRejected, autherr.ReasonTimestampFuture)
	}
	if now-env.Timestamp > int64(maxAge/time.Second) {
		return autherr.WithReason(autherr.ErrReplayRejected, autherr.ReasonTimestampStale)
	}

	expected := compute(s.key, env.Timestamp, message, env.Nonce)
	if !hmac.Equal([]byte(expected), []byte(env.Signature)) {
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonSignatureMismatch)
	}
	return nil
}

// Valid is Verify reduced to a boolean.
func (s *Signer) Valid(message []byte, env Envelope, maxAge time.Duration) bool {
	return s.Verify(message, env, maxAge) == nil
}

func compute(key []byte, ts int64, message []byte, nonce *string) string {
	stamp := strconv.FormatInt(ts, 10)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stamp))
	if nonce != nil {
		mac.Write([]byte(":" + strconv.Itoa(len(*nonce)) + ":" + *nonce))
	}
	mac.Write([]byte{'.'})
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
