package realtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid indicates the token failed signature or claim checks
	ErrTokenInvalid = errors.New("subscription token invalid")

	// ErrTokenExpired indicates the token's exp claim has passed
	ErrTokenExpired = errors.New("subscription token expired")

	// ErrTokenMismatch indicates the token was minted for another
	// resource or subscriber
	ErrTokenMismatch = errors.New("subscription token bound to a different resource or subscriber")
)

// TokenAuth mints and verifies per-resource subscription tokens. A token
// binds a subscriber identity to one resource ID so a reconnect can
// resume the same subscription without re-authenticating.
type TokenAuth struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenAuth creates a token authority
func NewTokenAuth(secret string, ttl time.Duration) *TokenAuth {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenAuth{secret: []byte(secret), ttl: ttl}
}

type subscriptionClaims struct {
	ID string `json:"id"`
	jwt.RegisteredClaims
}

// Mint issues a token binding subject to the resource ID
func (a *TokenAuth) Mint(rid, subject string) (string, error) {
	claims := subscriptionClaims{
		ID: rid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign subscription token: %w", err)
	}
	return signed, nil
}

// Verify checks the token against the resource ID and returns the
// subject it was minted for
func (a *TokenAuth) Verify(tokenString, rid string) (string, error) {
	var claims subscriptionClaims

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if !token.Valid {
		return "", ErrTokenInvalid
	}

	if claims.ID != rid {
		return "", ErrTokenMismatch
	}

	return claims.Subject, nil
}
