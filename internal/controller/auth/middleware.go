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
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// UserHeader names the caller when authentication is disabled.
const UserHeader = "X-User-ID"

// AnonymousUser is the identity of unauthenticated callers when
// authentication is disabled and no UserHeader is sent.
const AnonymousUser = "anonymous"

type contextKey struct{}

// User is the identity attached to a request.
type User struct {
	ID     string
	Claims *Claims
}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFromContext returns the request identity, if any.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(contextKey{}).(User)
	return u, ok
}

// UserID returns the request's user id, or "" when none was resolved.
func UserID(ctx context.Context) string {
	u, _ := UserFromContext(ctx)
	return u.ID
}

// Config configures the authentication middleware.
type Config struct {
	Enabled bool
	JWT     JWTConfig

	// PublicPaths skip authentication entirely.
	PublicPaths []string

	Logger *slog.Logger
}

// Middleware authenticates requests and attaches the caller's identity.
type Middleware struct {
	cfg    Config
	logger *slog.Logger
}

// NewMiddleware creates the authentication middleware.
func NewMiddleware(cfg Config) *Middleware {
	if cfg.PublicPaths == nil {
		cfg.PublicPaths = []string{"/healthz", "/metrics"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{cfg: cfg, logger: logger.With(slog.String("component", "auth"))}
}

// Wrap returns next guarded by authentication.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range m.cfg.PublicPaths {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}

		if !m.cfg.Enabled {
			id := strings.TrimSpace(r.Header.Get(UserHeader))
			if id == "" {
				id = AnonymousUser
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), User{ID: id})))
			return
		}

		if r.URL.Query().Has("token") || r.URL.Query().Has("access_token") {
			unauthorized(w, "tokens in query parameters are not accepted; use the Authorization header")
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		claims, err := ValidateJWT(token, m.cfg.JWT)
		if err != nil {
			m.logger.Debug("rejected token", slog.String("path", r.URL.Path), slog.Any("error", err))
			unauthorized(w, "invalid token")
			return
		}

		u := User{ID: claims.Identity(), Claims: claims}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="stagehand"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
