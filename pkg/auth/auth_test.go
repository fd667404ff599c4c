package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	s := NewService("secret", true, nil)

	token, expiresAt, err := s.GenerateToken("user-1", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, time.Minute)

	claims, err := s.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := NewService("other", true, nil).ValidateJWT(token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		claims := &Claims{UserID: "u", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}
		expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		_, err = s.ValidateJWT(expired)
		assert.Error(t, err)
	})

	t.Run("subject fallback", func(t *testing.T) {
		claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: issuer, Subject: "user-2"}}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		got, err := s.ValidateJWT(tok)
		require.NoError(t, err)
		assert.Equal(t, "user-2", got.UserID)
	})

	t.Run("empty user", func(t *testing.T) {
		_, _, err := s.GenerateToken("", time.Minute)
		assert.Error(t, err)
	})
}

func TestMiddleware(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("enabled", func(t *testing.T) {
		s := NewService("secret", true, nil)
		h := s.Middleware(next)
		token, _, err := s.GenerateToken("user-1", time.Minute)
		require.NoError(t, err)

		cases := []struct {
			name   string
			header string
			query  string
			code   int
		}{
			{"bearer", "Bearer " + token, "", http.StatusNoContent},
			{"query token", "", "?access_token=" + token, http.StatusNoContent},
			{"missing", "", "", http.StatusUnauthorized},
			{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
			{"garbage", "Bearer nope", "", http.StatusUnauthorized},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				seen = ""
				req := httptest.NewRequest(http.MethodGet, "/x"+tc.query, nil)
				if tc.header != "" {
					req.Header.Set("Authorization", tc.header)
				}
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				assert.Equal(t, tc.code, rec.Code)
				if tc.code == http.StatusNoContent {
					assert.Equal(t, "user-1", seen)
				}
			})
		}
	})

	t.Run("disabled uses header", func(t *testing.T) {
		h := NewService("", false, nil).Middleware(next)

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(UserHeader, "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "alice", seen)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
