package security_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/relay/internal/security"
)

func signHS256(t *testing.T, secret []byte, sub, role, iss string, exp time.Time) string {
	t.Helper()

	jc := jwt.MapClaims{
		"sub":  sub,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  exp.Unix(),
		"iss":  iss,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jc)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestHS256Verifier_VerifyAccessToken(t *testing.T) {
	secret := []byte("supersecret")
	v := security.NewHS256Verifier(string(secret), "relay-admin")

	t.Run("valid token", func(t *testing.T) {
		token := signHS256(t, secret, "ops", "admin", "relay-admin", time.Now().Add(time.Hour))

		claims, err := v.VerifyAccessToken(token)
		require.NoError(t, err)
		assert.Equal(t, "ops", claims.Subject)
		assert.Equal(t, "admin", claims.Role)
		assert.Equal(t, "relay-admin", claims.Issuer)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signHS256(t, secret, "ops", "admin", "relay-admin", time.Now().Add(-time.Minute))

		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenExpired)
	})

	t.Run("wrong signature", func(t *testing.T) {
		token := signHS256(t, []byte("othersecret"), "ops", "admin", "relay-admin", time.Now().Add(time.Hour))

		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token := signHS256(t, secret, "ops", "admin", "someone-else", time.Now().Add(time.Hour))

		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := v.VerifyAccessToken("not.a.jwt")
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("no issuer check when unset", func(t *testing.T) {
		open := security.NewHS256Verifier(string(secret), "")
		token := signHS256(t, secret, "ops", "admin", "anything", time.Now().Add(time.Hour))

		_, err := open.VerifyAccessToken(token)
		assert.NoError(t, err)
	})
}
