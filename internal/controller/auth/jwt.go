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

// Package auth resolves the identity behind an API request.
//
// Requests carry an HS256 or EdDSA signed JWT as a bearer token. The user
// comes from the user_id claim, falling back to sub. With authentication
// disabled the X-User-ID header names the user instead.
package auth

import (
	"crypto"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/stagehand/internal/config"
	pkgerrors "github.com/tombee/stagehand/pkg/errors"
)

// AdminScope grants every other scope.
const AdminScope = "admin"

// DefaultTokenTTL is the lifetime GenerateJWT gives tokens without an exp claim.
const DefaultTokenTTL = 24 * time.Hour

// JWTConfig holds the keys and expectations for bearer tokens.
type JWTConfig struct {
	// Secret verifies and signs HS256 tokens.
	Secret []byte

	// PublicKey verifies EdDSA tokens.
	PublicKey ed25519.PublicKey

	// PrivateKey signs EdDSA tokens. Only GenerateJWT uses it.
	PrivateKey ed25519.PrivateKey

	// Issuer and Audience, when set, must match the token.
	Issuer   string
	Audience string

	// ClockSkew is the leeway applied to exp, nbf and iat.
	ClockSkew time.Duration
}

// JWTConfigFromAuth builds a JWTConfig from the auth section of the
// controller configuration, reading the public key file if one is named.
func JWTConfigFromAuth(c config.AuthConfig) (JWTConfig, error) {
	cfg := JWTConfig{
		Issuer:    c.Issuer,
		Audience:  c.Audience,
		ClockSkew: c.ClockSkew,
	}
	if c.Secret != "" {
		cfg.Secret = []byte(c.Secret)
	}
	if c.PublicKeyFile != "" {
		data, err := os.ReadFile(c.PublicKeyFile)
		if err != nil {
			return cfg, &pkgerrors.ConfigError{Key: "auth.public_key_file", Reason: "cannot read key", Cause: err}
		}
		key, err := jwt.ParseEdPublicKeyFromPEM(data)
		if err != nil {
			return cfg, &pkgerrors.ConfigError{Key: "auth.public_key_file", Reason: "not an Ed25519 public key", Cause: err}
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return cfg, &pkgerrors.ConfigError{Key: "auth.public_key_file", Reason: "not an Ed25519 public key"}
		}
		cfg.PublicKey = pub
	}
	return cfg, nil
}

func (c JWTConfig) methods() []string {
	var m []string
	if len(c.Secret) > 0 {
		m = append(m, jwt.SigningMethodHS256.Alg())
	}
	if c.PublicKey != nil {
		m = append(m, jwt.SigningMethodEdDSA.Alg())
	}
	return m
}

func (c JWTConfig) keyFor(token *jwt.Token) (any, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		return c.Secret, nil
	case *jwt.SigningMethodEd25519:
		return c.PublicKey, nil
	}
	return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
}

// Claims represents the JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	// UserID identifies the authenticated user.
	UserID string `json:"user_id,omitempty"`
	// Scopes defines what the token can access.
	Scopes []string `json:"scopes,omitempty"`
}

// Identity returns the user the token speaks for: user_id, else sub.
func (c *Claims) Identity() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// HasScope reports whether the token grants scope. A token with no scopes
// grants everything.
func (c *Claims) HasScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	return slices.Contains(c.Scopes, scope) || slices.Contains(c.Scopes, AdminScope)
}

// ErrNoIdentity is returned for a well-signed token that names no user.
var ErrNoIdentity = errors.New("token has no user_id or sub claim")

// ValidateJWT verifies tokenString against cfg and returns its claims.
func ValidateJWT(tokenString string, cfg JWTConfig) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("token is empty")
	}
	methods := cfg.methods()
	if len(methods) == 0 {
		return nil, errors.New("no verification key configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, cfg.keyFor, opts...); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Identity() == "" {
		return nil, ErrNoIdentity
	}
	return claims, nil
}

// GenerateJWT signs claims with the configured key, preferring EdDSA when
// a private key is present. Claims without exp get DefaultTokenTTL.
func GenerateJWT(claims Claims, cfg JWTConfig) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(DefaultTokenTTL))
	}
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}

	var (
		method jwt.SigningMethod
		key    crypto.PrivateKey
	)
	switch {
	case cfg.PrivateKey != nil:
		method, key = jwt.SigningMethodEdDSA, cfg.PrivateKey
	case len(cfg.Secret) > 0:
		method, key = jwt.SigningMethodHS256, cfg.Secret
	default:
		return "", errors.New("no signing key configured")
	}

	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
