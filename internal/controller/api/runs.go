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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tombee/stagehand/internal/controller/auth"
	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/options"
	"github.com/tombee/stagehand/internal/controller/stats"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// SubmitResponse acknowledges an accepted run.
type SubmitResponse struct {
	ID      string       `json:"id"`
	Status  model.Status `json:"status"`
	LogPath string       `json:"log_path"`
}

// Progress reports how far a running playbook has got.
type Progress struct {
	StdoutLines int    `json:"stdout_lines"`
	StderrLines int    `json:"stderr_lines"`
	Phase       string `json:"phase,omitempty"`
}

// StatusResponse is the reply to GET /v1/runs/{id}. Outcome fields are set
// only once the run is terminal.
type StatusResponse struct {
	ID              string       `json:"id"`
	Playbook        string       `json:"playbook"`
	Status          model.Status `json:"status"`
	UserID          string       `json:"user_id"`
	Queue           string       `json:"queue"`
	Progress        Progress     `json:"progress"`
	Attempts        int          `json:"attempts"`
	CancelRequested bool         `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	ExitCode        *int         `json:"exit_code,omitempty"`
	DurationSeconds *float64     `json:"duration_seconds,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// ResultResponse is the reply to GET /v1/runs/{id}/result.
type ResultResponse struct {
	ID              string        `json:"id"`
	Playbook        string        `json:"playbook"`
	Status          model.Status  `json:"status"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
	Summary         model.Summary `json:"summary"`
	LogPath         string        `json:"log_path"`
	Error           string        `json:"error,omitempty"`
	CancelReason    string        `json:"cancel_reason,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
}

// CancelRequest is the body of POST /v1/runs/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

func statusResponse(run *backend.Run) StatusResponse {
	resp := StatusResponse{
		ID:       run.ID,
		Playbook: run.Playbook,
		Status:   run.Status,
		UserID:   run.UserID,
		Queue:    run.Queue,
		Progress: Progress{
			StdoutLines: run.StdoutLines,
			StderrLines: run.StderrLines,
			Phase:       run.Phase,
		},
		Attempts:        run.Attempts,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		FinishedAt:      run.FinishedAt,
	}
	if run.Status.IsTerminal() {
		d := run.DurationSeconds
		resp.ExitCode = run.ExitCode
		resp.DurationSeconds = &d
		resp.Error = run.Error
	}
	return resp
}

// handleSubmit handles POST /v1/runs.
func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Runs.IsDraining() {
		setRetryAfter(w, 30*time.Second)
		writeError(w, http.StatusServiceUnavailable, "controller is shutting down")
		return
	}

	req, err := options.Decode(http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes))
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	opts, err := options.Validate(r.Context(), req, rt.deps.Inventory, rt.cfg.Limits)
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	run, err := rt.deps.Runs.Submit(r.Context(), opts, auth.UserID(r.Context()))
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: run.ID, Status: run.Status, LogPath: run.LogPath})
}

// handleStatus handles GET /v1/runs/{id}.
func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := rt.deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(run))
}

// handleResult handles GET /v1/runs/{id}/result.
func (rt *Router) handleResult(w http.ResponseWriter, r *http.Request) {
	run, err := rt.deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	if !run.Status.IsTerminal() {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error: "run is " + string(run.Status) + "; result is available once it finishes",
			Type:  "not_terminal",
		})
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{
		ID:              run.ID,
		Playbook:        run.Playbook,
		Status:          run.Status,
		ExitCode:        run.ExitCode,
		DurationSeconds: run.DurationSeconds,
		Summary:         run.Summary,
		LogPath:         run.LogPath,
		Error:           run.Error,
		CancelReason:    run.CancelReason,
		FinishedAt:      run.FinishedAt,
	})
}

// handleCancel handles POST /v1/runs/{id}/cancel. The body is optional.
func (rt *Router) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, rt.cfg.MaxBodyBytes))
		if err != nil {
			rt.writeServiceError(w, r, &stagehanderrors.ValidationError{Field: "body", Message: err.Error()})
			return
		}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				rt.writeServiceError(w, r, &stagehanderrors.ValidationError{Field: "body", Message: err.Error()})
				return
			}
		}
	}

	res, err := rt.deps.Runs.Cancel(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Reason))
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleLog handles GET /v1/runs/{id}/log.
func (rt *Router) handleLog(w http.ResponseWriter, r *http.Request) {
	run, err := rt.deps.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	f, err := os.Open(run.LogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "log not available")
			return
		}
		rt.writeServiceError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Run-Status", string(run.Status))
	http.ServeContent(w, r, run.ID+".log", info.ModTime(), f)
}

// handleHistory handles GET /v1/runs.
func (rt *Router) handleHistory(w http.ResponseWriter, r *http.Request) {
	if rt.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "history is not available")
		return
	}

	q := r.URL.Query()
	verrs := &stagehanderrors.ValidationErrors{}
	query := stats.Query{
		UserID:    q.Get("user_id"),
		Status:    model.Status(q.Get("status")),
		Playbook:  q.Get("playbook"),
		Search:    q.Get("q"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		From:      parseTime(q.Get("from"), "from", verrs),
		To:        parseTime(q.Get("to"), "to", verrs),
		Skip:      parseInt(q.Get("skip"), "skip", verrs),
		Limit:     parseInt(q.Get("limit"), "limit", verrs),
	}
	if err := verrs.OrNil(); err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	page, err := rt.deps.History.History(r.Context(), query)
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	items := make([]StatusResponse, 0, len(page.Items))
	for _, run := range page.Items {
		items = append(items, statusResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    items,
		"total":    page.Total,
		"has_more": page.HasMore,
		"skip":     page.Skip,
		"limit":    page.Limit,
	})
}

// parseTime accepts RFC 3339 timestamps or plain UTC dates.
func parseTime(s, field string, verrs *stagehanderrors.ValidationErrors) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t
	}
	verrs.Add(field, "must be an RFC 3339 timestamp or YYYY-MM-DD date")
	return time.Time{}
}

func parseInt(s, field string, verrs *stagehanderrors.ValidationErrors) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		verrs.Add(field, "must be an integer")
		return 0
	}
	return n
}
