package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
)

func TestUserId(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		userId   int
		expected bool
	}{
		{
			name:     "no user ID",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name:     "user ID set",
			ctx:      WithUserId(context.Background(), 42),
			userId:   42,
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, ok := UserId(tc.ctx)
			assert.Equal(t, tc.expected, ok)
			assert.Equal(t, tc.userId, userId)
		})
	}
}

func Test_tokenFromRequest(t *testing.T) {
	tcases := []struct {
		name     string
		setup    func(r *http.Request)
		expected string
		wantErr  bool
	}{
		{
			name:     "bearer header",
			setup:    func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			expected: "abc",
		},
		{
			name:     "cookie",
			setup:    func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "def"}) },
			expected: "def",
		},
		{
			name: "header wins over cookie",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer abc")
				r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "def"})
			},
			expected: "abc",
		},
		{
			name:    "missing",
			setup:   func(r *http.Request) {},
			wantErr: true,
		},
		{
			name:    "non bearer header",
			setup:   func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)

			token, err := tokenFromRequest(req)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, token)
		})
	}
}

func Test_createJwtForSession_extractUserIdFromToken(t *testing.T) {
	app := &LoungeApp{signingKey: []byte("test-signing-key")}

	t.Run("round trip", func(t *testing.T) {
		token, err := app.createJwtForSession(7, time.Hour)
		assert.NoError(t, err)

		userId, err := app.extractUserIdFromToken(token)
		assert.NoError(t, err)
		assert.Equal(t, 7, userId)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := app.createJwtForSession(7, -time.Hour)
		assert.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := &LoungeApp{signingKey: []byte("other-key")}
		token, err := other.createJwtForSession(7, time.Hour)
		assert.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("unsigned token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			userIdClaim: 7,
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		assert.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.Error(t, err)
	})

	t.Run("missing user id claim", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			expClaim: time.Now().Add(time.Hour).Unix(),
		}).SignedString(app.signingKey)
		assert.NoError(t, err)

		_, err = app.extractUserIdFromToken(token)
		assert.EqualError(t, err, "invalid user id claim")
	})
}

func Test_hashPassword_verifyPassword(t *testing.T) {
	hash, err := hashPassword("hunter22")
	assert.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)
	assert.True(t, verifyPassword(hash, "hunter22"))
	assert.False(t, verifyPassword(hash, "hunter23"))
}
