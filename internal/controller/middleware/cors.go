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

// Package middleware holds the HTTP middleware shared by the API router.
package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	// Enabled determines if CORS middleware is active (default: false)
	Enabled bool

	// AllowedOrigins lists origins allowed to make cross-origin requests.
	// Entries may hold one "*" wildcard, e.g. "https://*.example.com".
	AllowedOrigins []string

	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string

	// MaxAge is how long (in seconds) preflight results can be cached.
	MaxAge int

	AllowCredentials bool

	// ExcludePaths are path prefixes that never get CORS headers.
	ExcludePaths []string
}

// CORSFromOrigins enables CORS for origins with the default settings. An
// empty list leaves CORS disabled.
func CORSFromOrigins(origins []string) CORSConfig {
	cfg := DefaultCORSConfig()
	cfg.Enabled = len(origins) > 0
	cfg.AllowedOrigins = origins
	return cfg
}

// DefaultCORSConfig returns the CORS settings the API is served with.
// Maintenance endpoints are excluded so browsers cannot trigger cleanup.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Last-Event-ID", "X-User-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Export-Count", "X-RateLimit-Limit"},
		MaxAge:           86400,
		AllowCredentials: true,
		ExcludePaths:     []string{"/v1/maintenance/"},
	}
}

// CORS creates a CORS middleware with the given configuration.
// If config.Enabled is false, returns a no-op middleware.
func CORS(config CORSConfig) func(http.Handler) http.Handler {
	if !config.Enabled {
		return func(next http.Handler) http.Handler {
			return next
		}
	}

	defaults := DefaultCORSConfig()
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = defaults.AllowedMethods
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = defaults.AllowedHeaders
	}
	if config.MaxAge == 0 {
		config.MaxAge = defaults.MaxAge
	}
	if len(config.ExcludePaths) == 0 {
		config.ExcludePaths = defaults.ExcludePaths
	}

	withCORS := cors.Handler(cors.Options{
		AllowedOrigins:   config.AllowedOrigins,
		AllowedMethods:   config.AllowedMethods,
		AllowedHeaders:   config.AllowedHeaders,
		ExposedHeaders:   config.ExposedHeaders,
		AllowCredentials: config.AllowCredentials,
		MaxAge:           config.MaxAge,
	})

	return func(next http.Handler) http.Handler {
		wrapped := withCORS(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range config.ExcludePaths {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}
