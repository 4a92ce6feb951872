// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/config"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!")

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserID(r.Context())))
	})
}

func signed(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := GenerateJWT(claims, JWTConfig{Secret: testSecret})
	require.NoError(t, err)
	return token
}

func TestMiddleware_Disabled(t *testing.T) {
	handler := NewMiddleware(Config{Enabled: false}).Wrap(echoUser())

	req := httptest.NewRequest("GET", "/v1/runs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, AnonymousUser, rec.Body.String())

	req = httptest.NewRequest("GET", "/v1/runs", nil)
	req.Header.Set(UserHeader, "alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestMiddleware_Tokens(t *testing.T) {
	handler := NewMiddleware(Config{Enabled: true, JWT: JWTConfig{Secret: testSecret}}).Wrap(echoUser())

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantUser string
	}{
		{
			name:     "user_id claim",
			header:   "Bearer " + signed(t, Claims{UserID: "alice"}),
			wantCode: http.StatusOK,
			wantUser: "alice",
		},
		{
			name:     "sub fallback",
			header:   "bearer " + signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "bob"}}),
			wantCode: http.StatusOK,
			wantUser: "bob",
		},
		{
			name:     "missing header",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong scheme",
			header:   "Basic dXNlcjpwYXNz",
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "garbage token",
			header:   "Bearer not-a-jwt",
			wantCode: http.StatusUnauthorized,
		},
		{
			name: "expired token",
			header: "Bearer " + signed(t, Claims{
				UserID:           "alice",
				RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
			}),
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantCode == http.StatusOK {
				assert.Equal(t, tt.wantUser, rec.Body.String())
			} else {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestMiddleware_IgnoresUserHeaderWhenEnabled(t *testing.T) {
	handler := NewMiddleware(Config{Enabled: true, JWT: JWTConfig{Secret: testSecret}}).Wrap(echoUser())

	req := httptest.NewRequest("GET", "/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+signed(t, Claims{UserID: "alice"}))
	req.Header.Set(UserHeader, "mallory")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestMiddleware_QueryParameterRejected(t *testing.T) {
	handler := NewMiddleware(Config{Enabled: true, JWT: JWTConfig{Secret: testSecret}}).Wrap(echoUser())

	req := httptest.NewRequest("GET", "/v1/runs?token="+signed(t, Claims{UserID: "alice"}), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "query parameters")
}

func TestMiddleware_PublicPaths(t *testing.T) {
	handler := NewMiddleware(Config{Enabled: true, JWT: JWTConfig{Secret: testSecret}}).Wrap(echoUser())

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestJWTConfigFromAuth(t *testing.T) {
	cfg, err := JWTConfigFromAuth(config.AuthConfig{Secret: "s3cret", Issuer: "iss", Audience: "aud", ClockSkew: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), cfg.Secret)
	assert.Equal(t, "iss", cfg.Issuer)
	assert.Equal(t, "aud", cfg.Audience)
	assert.Equal(t, time.Minute, cfg.ClockSkew)
}

func TestClaims_HasScope(t *testing.T) {
	assert.True(t, (&Claims{}).HasScope("maintenance"))
	assert.True(t, (&Claims{Scopes: []string{"admin"}}).HasScope("maintenance"))
	assert.True(t, (&Claims{Scopes: []string{"maintenance"}}).HasScope("maintenance"))
	assert.False(t, (&Claims{Scopes: []string{"read"}}).HasScope("maintenance"))
}
