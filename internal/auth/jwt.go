// Package auth issues and validates the bearer tokens spec.md §4.8 asks
// the consumer-facing /query route to accept when enabled, following
// the golang-jwt/jwt + google/uuid combination kshinn-umbra-gateway's
// x402 token manager uses, trimmed of its batch-credit bookkeeping
// (out of scope here: a token authenticates a caller, it does not meter
// a quota).
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/subquery/payg-gateway/internal/apierr"
)

// Claims is the JWT payload a TokenManager issues and validates.
type Claims struct {
	jwt.RegisteredClaims
	TokenID string `json:"tid"`
}

// TokenManager signs and verifies HS256 bearer tokens for a single
// shared secret, the way a proxy operator provisions access for its own
// callers.
type TokenManager struct {
	secret []byte
	expiry time.Duration
}

// NewTokenManager builds a TokenManager with the given HMAC secret and
// token lifetime.
func NewTokenManager(secret []byte, expiry time.Duration) *TokenManager {
	return &TokenManager{secret: secret, expiry: expiry}
}

// IssueToken signs a new bearer token for subject, identified internally
// by a fresh UUID.
func (m *TokenManager) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
		TokenID: uuid.New().String(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies tokenString, mapping a validation
// failure to the Kind the control plane and HTTP front door already know
// how to render: an expired token to KindJWTTokenExpired, any other
// failure to KindJWTTokenError.
func (m *TokenManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierr.Wrap(apierr.KindJWTTokenExpired, err)
		}
		return nil, apierr.Wrap(apierr.KindJWTTokenError, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, apierr.New(apierr.KindJWTTokenError, "invalid token claims")
	}
	return claims, nil
}

// BearerToken extracts the token from a "Bearer <token>" Authorization
// header value, or returns an error if the header is missing or
// malformed.
func BearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if header == "" {
		return "", apierr.New(apierr.KindInvalidAuthHeader, "missing Authorization header")
	}
	if !strings.HasPrefix(header, prefix) {
		return "", apierr.New(apierr.KindInvalidAuthHeader, "Authorization header is not a bearer token")
	}
	return strings.TrimPrefix(header, prefix), nil
}
