// ABOUTME: Tests for JWT verification and agent API key checking.
// ABOUTME: Covers claim extraction, expiration, tampering, and disabled-auth mode.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	return v
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.Error(t, err)
}

func TestVerify_GeneratedToken(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("user-1", time.Hour)
	require.NoError(t, err)

	userID, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestVerify_SubClaimFallback(t *testing.T) {
	v := newVerifier(t)

	// Token minted elsewhere with only a "sub" claim.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	userID, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-2", userID)
}

func TestVerify_UserIDClaimWinsOverSub(t *testing.T) {
	v := newVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     "subject",
		"user_id": "the-user",
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	userID, err := v.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "the-user", userID)
}

func TestVerify_Expired(t *testing.T) {
	v := newVerifier(t)

	token, err := v.Generate("user-1", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	v := newVerifier(t)

	other, err := NewJWTVerifier([]byte("another-secret-also-32-bytes-long!!!"))
	require.NoError(t, err)
	token, err := other.Generate("user-1", time.Hour)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MissingIdentityClaims(t *testing.T) {
	v := newVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	v := newVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user_id": "user-1",
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	v := newVerifier(t)

	_, err := v.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAPIKeyChecker_Match(t *testing.T) {
	checker := NewAPIKeyChecker("agent-key")

	assert.NoError(t, checker.Check("agent-key"))
	assert.ErrorIs(t, checker.Check("wrong-key"), ErrInvalidAPIKey)
	assert.ErrorIs(t, checker.Check(""), ErrInvalidAPIKey)
}

func TestAPIKeyChecker_EmptyKeyDisablesAuth(t *testing.T) {
	checker := NewAPIKeyChecker("")

	assert.NoError(t, checker.Check("anything"))
	assert.NoError(t, checker.Check(""))
}
