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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/stagehand/internal/controller/backend"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string       `json:"error"`
	Type   string       `json:"type,omitempty"`
	Fields []FieldError `json:"fields,omitempty"`
}

// FieldError names one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps err onto a status code and error body.
func (rt *Router) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verrs    *stagehanderrors.ValidationErrors
		verr     *stagehanderrors.ValidationError
		notFound *stagehanderrors.NotFoundError
	)

	resp := ErrorResponse{Error: err.Error(), Type: stagehanderrors.TypeOf(err)}
	switch {
	case errors.As(err, &verrs):
		resp.Error = "invalid request"
		for _, f := range verrs.Fields {
			resp.Fields = append(resp.Fields, FieldError{Field: f.Field, Message: f.Message})
		}
		writeJSON(w, http.StatusBadRequest, resp)

	case errors.As(err, &verr):
		resp.Error = "invalid request"
		resp.Fields = []FieldError{{Field: verr.Field, Message: verr.Message}}
		writeJSON(w, http.StatusBadRequest, resp)

	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, resp)

	case errors.Is(err, backend.ErrStatusConflict):
		writeJSON(w, http.StatusConflict, resp)

	case stagehanderrors.IsRetryable(err):
		// Capacity errors carry their own hint; other transient failures
		// get the default.
		d, ok := stagehanderrors.RetryAfter(err)
		if !ok {
			d = defaultRetryAfter
		}
		setRetryAfter(w, d)
		writeJSON(w, http.StatusServiceUnavailable, resp)

	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, resp)

	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.

	default:
		rt.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error", Type: resp.Type})
	}
}

const defaultRetryAfter = 5 * time.Second

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// decodeJSON decodes a bounded JSON body, rejecting unknown fields.
func (rt *Router) decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return &stagehanderrors.ValidationError{Field: "body", Message: "request body required"}
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return &stagehanderrors.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}
