// Package auth authenticates API callers.
//
// Payers and affiliates present HS256 bearer tokens issued by the account
// service; the token subject is the payer identity. Operators use the
// X-Admin-Secret header instead.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
)

// RoleAdmin grants operator access through a token.
const RoleAdmin = "admin"

// Claims are the token claims paycore reads.
type Claims struct {
	Role string `json:"role,omitempty"`
	// AffiliateID is set for users who own an affiliate account.
	AffiliateID string `json:"affiliate_id,omitempty"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token helper. An empty issuer skips the iss check.
func NewTokens(secret, issuer string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

// Issue signs a token for userID. The server never issues tokens itself;
// this backs tests and the operator tooling.
func (t *Tokens) Issue(userID, role, affiliateID string) (string, error) {
	now := t.now()
	claims := Claims{
		Role:        role,
		AffiliateID: affiliateID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Verify parses and validates a token.
func (t *Tokens) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
