package security_test

import (
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signHS256(t *testing.T, secret []byte, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()

	tok := jwt.NewWithClaims(method, claims)
	s, err := tok.SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestHS256Verifier_VerifyAccessToken(t *testing.T) {
	secret := []byte("supersecret")
	v := security.NewHS256Verifier(string(secret), "auth-service")
	uid := uuid.New()

	base := func(exp time.Time) jwt.MapClaims {
		return jwt.MapClaims{
			"uid":  uid.String(),
			"role": "user",
			"iat":  time.Now().Unix(),
			"exp":  exp.Unix(),
			"iss":  "auth-service",
		}
	}

	t.Run("valid token", func(t *testing.T) {
		token := signHS256(t, secret, jwt.SigningMethodHS256, base(time.Now().Add(time.Hour)))

		id, err := v.VerifyAccessToken(token)
		require.NoError(t, err)
		assert.Equal(t, uid, id.UserID)
		assert.Equal(t, "user", id.Role)
		assert.Equal(t, "auth-service", id.Issuer)
	})

	t.Run("subject fallback", func(t *testing.T) {
		c := base(time.Now().Add(time.Hour))
		delete(c, "uid")
		c["sub"] = uid.String()

		id, err := v.VerifyAccessToken(signHS256(t, secret, jwt.SigningMethodHS256, c))
		require.NoError(t, err)
		assert.Equal(t, uid, id.UserID)
	})

	t.Run("expired token", func(t *testing.T) {
		token := signHS256(t, secret, jwt.SigningMethodHS256, base(time.Now().Add(-time.Minute)))

		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenExpired)
	})

	t.Run("wrong signature", func(t *testing.T) {
		token := signHS256(t, []byte("othersecret"), jwt.SigningMethodHS256, base(time.Now().Add(time.Hour)))

		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := base(time.Now().Add(time.Hour))
		c["iss"] = "someone-else"

		_, err := v.VerifyAccessToken(signHS256(t, secret, jwt.SigningMethodHS256, c))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("non uuid subject", func(t *testing.T) {
		c := base(time.Now().Add(time.Hour))
		c["uid"] = "u1"

		_, err := v.VerifyAccessToken(signHS256(t, secret, jwt.SigningMethodHS256, c))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("missing exp", func(t *testing.T) {
		c := base(time.Now())
		delete(c, "exp")

		_, err := v.VerifyAccessToken(signHS256(t, secret, jwt.SigningMethodHS256, c))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := v.VerifyAccessToken("not.a.jwt")
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		token := signHS256(t, secret, jwt.SigningMethodHS512, base(time.Now().Add(time.Hour)))

		_, err := v.VerifyAccessToken(token)
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})
}
