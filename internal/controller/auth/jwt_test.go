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
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/config"
	pkgerrors "github.com/tombee/stagehand/pkg/errors"
)

var hsSecret = []byte("test-secret-key-32-bytes-long!!")

func registered(iss, sub string, exp time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    iss,
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
	}
}

func withAudience(c jwt.RegisteredClaims, aud ...string) jwt.RegisteredClaims {
	c.Audience = aud
	return c
}

func TestValidateJWT(t *testing.T) {
	tests := []struct {
		name     string
		verify   JWTConfig
		claims   Claims
		wantUser string
		wantErr  error
	}{
		{
			name:     "user_id claim",
			verify:   JWTConfig{Secret: hsSecret, Issuer: "stagehand"},
			claims:   Claims{RegisteredClaims: registered("stagehand", "sub-1", time.Hour), UserID: "alice"},
			wantUser: "alice",
		},
		{
			name:     "falls back to sub",
			verify:   JWTConfig{Secret: hsSecret},
			claims:   Claims{RegisteredClaims: registered("", "bob", time.Hour)},
			wantUser: "bob",
		},
		{
			name:    "expired",
			verify:  JWTConfig{Secret: hsSecret},
			claims:  Claims{RegisteredClaims: registered("", "bob", -time.Hour)},
			wantErr: jwt.ErrTokenExpired,
		},
		{
			name:     "expired within skew",
			verify:   JWTConfig{Secret: hsSecret, ClockSkew: 5 * time.Minute},
			claims:   Claims{RegisteredClaims: registered("", "bob", -2*time.Minute)},
			wantUser: "bob",
		},
		{
			name:    "wrong issuer",
			verify:  JWTConfig{Secret: hsSecret, Issuer: "stagehand"},
			claims:  Claims{RegisteredClaims: registered("someone-else", "bob", time.Hour)},
			wantErr: jwt.ErrTokenInvalidIssuer,
		},
		{
			name:    "wrong audience",
			verify:  JWTConfig{Secret: hsSecret, Audience: "stagehand-api"},
			claims:  Claims{RegisteredClaims: withAudience(registered("", "bob", time.Hour), "other-api")},
			wantErr: jwt.ErrTokenInvalidAudience,
		},
		{
			name:    "no identity",
			verify:  JWTConfig{Secret: hsSecret},
			claims:  Claims{RegisteredClaims: registered("", "", time.Hour)},
			wantErr: ErrNoIdentity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateJWT(tt.claims, JWTConfig{Secret: hsSecret})
			require.NoError(t, err)

			claims, err := ValidateJWT(token, tt.verify)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, claims.Identity())
		})
	}
}

func TestValidateJWT_WrongSecret(t *testing.T) {
	token, err := GenerateJWT(Claims{UserID: "alice"}, JWTConfig{Secret: hsSecret})
	require.NoError(t, err)

	_, err = ValidateJWT(token, JWTConfig{Secret: []byte("another-secret-another-secret!!")})
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestValidateJWT_EdDSA(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	token, err := GenerateJWT(Claims{UserID: "carol", Scopes: []string{"maintenance"}}, JWTConfig{PrivateKey: priv})
	require.NoError(t, err)

	claims, err := ValidateJWT(token, JWTConfig{PublicKey: pub})
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.UserID)
	assert.Equal(t, []string{"maintenance"}, claims.Scopes)

	// An HS256-only verifier must not accept EdDSA tokens.
	_, err = ValidateJWT(token, JWTConfig{Secret: hsSecret})
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}

func TestValidateJWT_NoKey(t *testing.T) {
	_, err := ValidateJWT("a.b.c", JWTConfig{})
	assert.Error(t, err)

	_, err = ValidateJWT("", JWTConfig{Secret: hsSecret})
	assert.Error(t, err)
}

func TestGenerateJWT_DefaultExpiration(t *testing.T) {
	token, err := GenerateJWT(Claims{UserID: "alice"}, JWTConfig{Secret: hsSecret, Issuer: "stagehand"})
	require.NoError(t, err)

	claims, err := ValidateJWT(token, JWTConfig{Secret: hsSecret, Issuer: "stagehand"})
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), claims.ExpiresAt.Time, time.Minute)
}

func TestJWTConfigFromAuth_PublicKeyFile(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	cfg, err := JWTConfigFromAuth(config.AuthConfig{PublicKeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, pub, cfg.PublicKey)
	assert.Nil(t, cfg.Secret)

	token, err := GenerateJWT(Claims{UserID: "dave"}, JWTConfig{PrivateKey: priv})
	require.NoError(t, err)
	claims, err := ValidateJWT(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "dave", claims.UserID)
}

func TestJWTConfigFromAuth_BadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.pub")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := JWTConfigFromAuth(config.AuthConfig{PublicKeyFile: path})
	var cfgErr *pkgerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "auth.public_key_file", cfgErr.Key)

	_, err = JWTConfigFromAuth(config.AuthConfig{PublicKeyFile: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorAs(t, err, &cfgErr)
}
