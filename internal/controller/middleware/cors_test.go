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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_Disabled(t *testing.T) {
	handler := CORS(CORSFromOrigins(nil))(okHandler())

	req := httptest.NewRequest("GET", "/v1/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_Origins(t *testing.T) {
	handler := CORS(CORSFromOrigins([]string{"https://ops.example.com", "https://*.internal.example.com"}))(okHandler())

	tests := []struct {
		name   string
		origin string
		path   string
		want   string
	}{
		{"exact origin", "https://ops.example.com", "/v1/runs", "https://ops.example.com"},
		{"wildcard suffix", "https://dash.internal.example.com", "/v1/stats", "https://dash.internal.example.com"},
		{"unknown origin", "https://evil.example.org", "/v1/runs", ""},
		{"maintenance excluded", "https://ops.example.com", "/v1/maintenance/cleanup", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.path, nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_PreflightRequest(t *testing.T) {
	handler := CORS(CORSFromOrigins([]string{"https://ops.example.com"}))(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/v1/runs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Last-Event-ID")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, strings.ToLower(rec.Header().Get("Access-Control-Allow-Headers")), "last-event-id")
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_ExposedHeaders(t *testing.T) {
	handler := CORS(CORSFromOrigins([]string{"https://ops.example.com"}))(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/export", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Export-Count")
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
