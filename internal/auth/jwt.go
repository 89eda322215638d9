// Package auth verifies the HS256 bearer tokens that guard the artifact
// routes.
//
// Tokens are issued by whatever identity service fronts the platform. This
// package only needs the shared HMAC secret; Generate exists for tooling
// and tests. Verification is stateless: no session table, no lookup.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	Issuer               = "codeexec"
	DefaultTokenLifetime = 15 * time.Minute
)

// TokenService signs and verifies tokens with one shared secret.
type TokenService struct {
	secret []byte
}

// NewTokenService rejects secrets shorter than 16 characters. Production
// deployments want something like CODEEXEC_AUTH_JWT_SECRET=$(openssl rand -hex 32).
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// claims carries only registered fields. "sub" names the caller.
type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a token for subject valid for DefaultTokenLifetime.
func (s *TokenService) Generate(subject string) (string, error) {
	return s.GenerateWithDuration(subject, DefaultTokenLifetime)
}

// GenerateWithDuration signs a token expiring after d. A negative d yields
// a token that is already expired.
func (s *TokenService) GenerateWithDuration(subject string, d time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    Issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate returns the token's subject. The token must be HS256-signed with
// our secret, issued by Issuer, carry an expiry that has not passed and name
// a subject. Any other algorithm, "none" included, is refused.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", errors.New("auth: token expired")
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	switch {
	case !ok || !token.Valid:
		return "", errors.New("auth: invalid token claims")
	case c.Subject == "":
		return "", errors.New("auth: token has no subject")
	}
	return c.Subject, nil
}
