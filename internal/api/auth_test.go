package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=2$"))

	assert.NoError(t, VerifyPassword("correct horse", hash))
	assert.ErrorIs(t, VerifyPassword("battery staple", hash), ErrInvalidPassword)
	assert.Error(t, VerifyPassword("correct horse", "plain-text"))

	other, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestTokenService(t *testing.T) {
	tokens := NewTokenService("signing-key", time.Minute)

	token, expires, err := tokens.GenerateToken("ops")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := tokens.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Operator)
	assert.Equal(t, "ops", claims.Subject)

	t.Run("other key", func(t *testing.T) {
		_, err := NewTokenService("other-key", time.Minute).ValidateToken(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-time.Hour)
		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				IssuedAt:  jwt.NewNumericDate(past),
				ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
			},
			Operator: "ops",
		})
		signed, err := expired.SignedString([]byte("signing-key"))
		require.NoError(t, err)
		_, err = tokens.ValidateToken(signed)
		assert.Error(t, err)
	})

	t.Run("middleware stores claims", func(t *testing.T) {
		var seen string
		h := tokens.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := ClaimsFromContext(r.Context())
			require.True(t, ok)
			seen = c.Operator
		}))

		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ops", seen)

		req = httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("Authorization", "Token "+token)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	_, ok := ClaimsFromContext(context.Background())
	assert.False(t, ok)
}
