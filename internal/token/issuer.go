// Package token issues and verifies short-lived access tokens.
//
// Tokens are compact JWS values (header.claims.signature) signed with a
// process-wide symmetric key. Verification is a pure function of the token,
// the key and the clock; it never touches a store.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"authgate/internal/autherr"
)

const (
	DefaultTTL = 15 * time.Minute
	typeAccess = "access"
)

var ErrWeakKey = errors.New("token signing key must be at least 32 bytes")

type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

func ParseAlgorithm(name string) (Algorithm, error) {
	switch alg := Algorithm(strings.ToUpper(strings.TrimSpace(name))); alg {
	case "":
		return HS256, nil
	case HS256, HS384, HS512:
		return alg, nil
	default:
		return "", fmt.Errorf("unsupported token algorithm %q", name)
	}
}

func (a Algorithm) method() jwt.SigningMethod {
	switch a {
	case HS384:
		return jwt.SigningMethodHS384
	case HS512:
		return jwt.SigningMethodHS512
	default:
		return jwt.SigningMethodHS256
	}
}

// Subject identifies who the token speaks for.
type Subject struct {
	ID    string
	Email string
}

// Claims is the verified content of an access token. ID (jti) is the session
// id the token is bound to.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Type  string `json:"typ"`
}

func (c Claims) SessionID() string {
	return c.ID
}

// Issued is a freshly minted token.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	ExpiresIn int64
}

type Config struct {
	Secret    []byte
	Algorithm Algorithm
	TTL       time.Duration
}

type Issuer struct {
	secret []byte
	alg    Algorithm
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Issuer)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	if len(cfg.Secret) < 32 {
		return nil, ErrWeakKey
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = HS256
	}
	if _, err := ParseAlgorithm(string(alg)); err != nil {
		return nil, err
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	i := &Issuer{
		secret: append([]byte(nil), cfg.Secret...),
		alg:    alg,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints a token bound to sessionID. A non-positive ttl uses the
// configured default.
func (i *Issuer) Issue(sessionID string, subject Subject, ttl time.Duration) (Issued, error) {
	if sessionID == "" || subject.ID == "" {
		return Issued{}, errors.New("issue token: session id and subject are required")
	}
	if ttl <= 0 {
		ttl = i.ttl
	}

	now := i.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        sessionID,
		},
		Email: subject.Email,
		Type:  typeAccess,
	}

	encoded, err := jwt.NewWithClaims(i.alg.method(), claims).SignedString(i.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign jwt: %w", err)
	}

	return Issued{Token: encoded, ExpiresAt: expiresAt, ExpiresIn: int64(ttl.Seconds())}, nil
}

// Verify returns the claims of a valid token. Expired tokens fail with
// ErrTokenExpired; everything else that is wrong fails with ErrTokenInvalid
// carrying an internal reason.
func (i *Issuer) Verify(tokenStr string) (Claims, error) {
	var claims Claims
	// exp has second precision; one second of leeway makes the token expire
	// once now is strictly past exp, not at exp itself.
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(tokenStr), &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{i.alg.method().Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(time.Second),
	)
	if err != nil {
		return Claims{}, classify(err)
	}
	if !parsed.Valid {
		return Claims{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenMalformed)
	}
	if claims.Type != typeAccess || claims.Subject == "" || claims.ID == "" {
		return Claims{}, autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenType)
	}

	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return autherr.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenSignature)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenAlgorithm)
	default:
		return autherr.WithReason(autherr.ErrTokenInvalid, autherr.ReasonTokenMalformed)
	}
}
