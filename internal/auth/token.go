// ABOUTME: JWT token verification for authenticating client WebSocket connections.
// ABOUTME: Uses HS256 signing with configurable secret; agents use a static API key.

package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// TokenVerifier defines the interface for client token verification.
type TokenVerifier interface {
	Verify(tokenString string) (userID string, err error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the user identity from the
// "user_id" claim, falling back to "sub".
func (v *JWTVerifier) Verify(tokenString string) (userID string, err error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}

	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: user_id", ErrMissingClaim)
}

// Generate creates a new JWT token for the given user id with expiration.
func (v *JWTVerifier) Generate(userID string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":     userID,
		"user_id": userID,
		"iat":     now.Unix(),
		"exp":     now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// APIKeyChecker validates the static key agent connections present.
type APIKeyChecker struct {
	key []byte
}

// NewAPIKeyChecker creates a checker for the configured agent API key.
func NewAPIKeyChecker(key string) *APIKeyChecker {
	return &APIKeyChecker{key: []byte(key)}
}

// Check compares the presented key in constant time.
func (c *APIKeyChecker) Check(presented string) error {
	if len(c.key) == 0 {
		return nil // auth disabled
	}
	if subtle.ConstantTimeCompare(c.key, []byte(presented)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
