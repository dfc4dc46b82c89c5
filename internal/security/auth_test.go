package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(requireAuth bool) *Authenticator {
	return NewAuthenticator(&Config{
		APIKeys:     []string{"test-api-key-123456", "second-key-abcdef"},
		JWTSecret:   "test-secret",
		RequireAuth: requireAuth,
	}, logrus.New())
}

func TestNewAuthenticator_DefaultExpiry(t *testing.T) {
	a := NewAuthenticator(&Config{}, logrus.New())
	assert.Equal(t, 24*time.Hour, a.config.JWTExpiry)
}

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	a := newTestAuthenticator(true)
	ctx := context.Background()

	info, err := a.ValidateAPIKey(ctx, "second-key-abcdef")
	require.NoError(t, err)
	assert.Equal(t, "api_key", info.AuthType)
	assert.Equal(t, "key_second-k", info.UserID)
	assert.Equal(t, "1", info.Metadata["key_index"])

	_, err = a.ValidateAPIKey(ctx, "wrong-key")
	assert.Error(t, err)

	_, err = a.ValidateAPIKey(ctx, "")
	assert.Error(t, err)
}

func TestAuthenticator_JWTRoundTrip(t *testing.T) {
	a := newTestAuthenticator(true)

	token, err := a.GenerateJWT("analyst", []string{"query:execute"})
	require.NoError(t, err)

	claims, err := a.ValidateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "analyst", claims.UserID)
	assert.Equal(t, []string{"query:execute"}, claims.Permissions)

	info, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "jwt", info.AuthType)
	require.NotNil(t, info.ExpiresAt)
}

func TestAuthenticator_RejectsBadJWTs(t *testing.T) {
	a := newTestAuthenticator(true)

	other := NewAuthenticator(&Config{JWTSecret: "other-secret"}, logrus.New())
	foreign, err := other.GenerateJWT("mallory", nil)
	require.NoError(t, err)
	_, err = a.ValidateJWT(foreign)
	assert.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		UserID: "late",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = a.ValidateJWT(signed)
	assert.Error(t, err)

	_, err = a.ValidateJWT("not-a-token")
	assert.Error(t, err)
}

func TestAuthenticator_GenerateJWTWithoutSecret(t *testing.T) {
	a := NewAuthenticator(&Config{}, logrus.New())
	_, err := a.GenerateJWT("user", nil)
	assert.Error(t, err)
}

func TestAuthenticator_Middleware(t *testing.T) {
	a := newTestAuthenticator(true)
	token, err := a.GenerateJWT("analyst", nil)
	require.NoError(t, err)

	var seen *AuthInfo
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetAuthInfo(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name     string
		path     string
		header   string
		value    string
		expected int
	}{
		{"no token", "/v1/query", "", "", http.StatusUnauthorized},
		{"bad key", "/v1/query", "X-API-Key", "nope", http.StatusUnauthorized},
		{"api key", "/v1/query", "X-API-Key", "test-api-key-123456", http.StatusOK},
		{"bearer jwt", "/v1/query", "Authorization", "Bearer " + token, http.StatusOK},
		{"health is public", "/health", "", "", http.StatusOK},
		{"metrics is public", "/metrics", "", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.expected, rec.Code)
			if tt.expected == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), "authentication_error")
			}
			if tt.header != "" && tt.expected == http.StatusOK {
				assert.NotNil(t, seen)
			}
		})
	}
}

func TestAuthenticator_MiddlewareNotRequired(t *testing.T) {
	a := newTestAuthenticator(false)
	handler := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/query", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "test****3456", maskKey("test-api-key-123456"))
}
