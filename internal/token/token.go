// Package token issues and verifies the scoped credentials handed to
// sandboxed engine code so it can call back into the platform API.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flowdeck/flowdeck/internal/apperr"
)

// PrincipalType identifies what kind of caller a token represents.
type PrincipalType string

const (
	PrincipalWorker PrincipalType = "WORKER"
	PrincipalUser   PrincipalType = "USER"
)

// Principal is the identity encoded into a token.
type Principal struct {
	Type         PrincipalType `json:"type"`
	ID           string        `json:"id"`
	CollectionID string        `json:"collection_id,omitempty"`
}

type claims struct {
	jwt.RegisteredClaims
	PrincipalType PrincipalType `json:"principal_type"`
	CollectionID  string        `json:"collection_id,omitempty"`
}

// Signer mints and verifies HS256 tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner creates a signer. ttl bounds token validity; 0 means one hour.
func NewSigner(secret string, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl}
}

// Encode mints a token for the principal.
func (s *Signer) Encode(p Principal) (string, error) {
	now := time.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		PrincipalType: p.Type,
		CollectionID:  p.CollectionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Verify parses a token and returns its principal.
func (s *Signer) Verify(tokenString string) (*Principal, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.Wrap(apperr.CodeInvalidBearerToken, err, nil)
	}
	return &Principal{
		Type:         c.PrincipalType,
		ID:           c.Subject,
		CollectionID: c.CollectionID,
	}, nil
}

type ctxKey struct{}

// WithPrincipal attaches a verified principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext returns the principal attached by WithPrincipal,
// or nil.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(ctxKey{}).(*Principal)
	return p
}
