// Package token signs and verifies the HS256 JWTs used for access and
// refresh tokens.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Type is the discriminator carried in the `typ` claim.
type Type string

const (
	Access  Type = "access"
	Refresh Type = "refresh"
)

// MinSecretLen is the shortest signing secret NewCodec accepts.
const MinSecretLen = 32

var (
	// ErrWeakSecret is returned by NewCodec when the secret is missing or too short.
	ErrWeakSecret = fmt.Errorf("token: signing secret must be at least %d bytes", MinSecretLen)
	errBadInput   = errors.New("token: subject, session, type and ttl are required")
)

// Claims is the payload of every token issued by a Codec. SessionID names
// the server-side session both tokens of a pair belong to.
type Claims struct {
	Email     string `json:"email"`
	Type      Type   `json:"typ"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Codec issues and verifies tokens with a single HMAC secret that is fixed
// at construction and never mutated afterwards.
type Codec struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock replaces the wall clock used for iat, exp and verification.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec builds a Codec. There is no fallback secret: an empty or short
// secret is a startup error.
func NewCodec(secret []byte, issuer string, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		issuer: issuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue signs a token of the given type for subjectID within session
// sessionID. Every token carries a random jti so two tokens issued within
// the same second never collide.
func (c *Codec) Issue(subjectID, email, sessionID string, typ Type, ttl time.Duration) (string, error) {
	if subjectID == "" || sessionID == "" || !typ.valid() || ttl <= 0 {
		return "", errBadInput
	}
	now := c.now().UTC()
	claims := Claims{
		Email:     email,
		Type:      typ,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			Issuer:    c.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, algorithm, expiry and structure of raw. Any
// failure collapses to (nil, false) so callers cannot leak why a token was
// rejected.
func (c *Codec) Verify(raw string) (*Claims, bool) {
	if raw == "" {
		return nil, false
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, c.keyFunc, opts...)
	if err != nil || !tok.Valid {
		return nil, false
	}
	if claims.Subject == "" || claims.SessionID == "" || !claims.Type.valid() {
		return nil, false
	}
	return claims, true
}

// VerifyType is Verify plus a check of the `typ` claim.
func (c *Codec) VerifyType(raw string, typ Type) (*Claims, bool) {
	claims, ok := c.Verify(raw)
	if !ok || claims.Type != typ {
		return nil, false
	}
	return claims, true
}

func (c *Codec) keyFunc(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return c.secret, nil
}

func (t Type) valid() bool { return t == Access || t == Refresh }
