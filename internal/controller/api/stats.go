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
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/stagehand/internal/controller/auth"
	"github.com/tombee/stagehand/internal/controller/stats"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// MaintenanceScope is the token scope required for cleanup when auth is on.
const MaintenanceScope = "maintenance"

// handleStats handles GET /v1/stats.
func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	if rt.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "statistics are not available")
		return
	}
	q := r.URL.Query()
	verrs := &stagehanderrors.ValidationErrors{}
	query := stats.StatsQuery{
		Period:   stats.Period(q.Get("period")),
		Days:     parseInt(q.Get("days"), "days", verrs),
		Playbook: q.Get("playbook"),
		UserID:   q.Get("user_id"),
	}
	if err := verrs.OrNil(); err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	report, err := rt.deps.History.Statistics(r.Context(), query)
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExport handles GET /v1/export. The body is built before anything is
// written so the row count can go in a header.
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	if rt.deps.History == nil {
		writeError(w, http.StatusNotImplemented, "export is not available")
		return
	}
	q := r.URL.Query()
	verrs := &stagehanderrors.ValidationErrors{}
	query := stats.ExportQuery{
		From:   parseTime(q.Get("from"), "from", verrs),
		To:     parseTime(q.Get("to"), "to", verrs),
		Format: q.Get("format"),
	}
	if err := verrs.OrNil(); err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	if query.Format == "" {
		query.Format = stats.FormatJSON
	}

	var buf bytes.Buffer
	n, err := rt.deps.History.Export(r.Context(), query, &buf)
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	contentType := "application/json"
	if query.Format == stats.FormatCSV {
		contentType = "text/csv; charset=utf-8"
	}
	name := fmt.Sprintf("runs-%s.%s", time.Now().UTC().Format("20060102T150405Z"), query.Format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Header().Set("X-Export-Count", strconv.Itoa(n))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// handleCleanup handles POST /v1/maintenance/cleanup.
func (rt *Router) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Cleaner == nil {
		writeError(w, http.StatusNotImplemented, "cleanup is not available")
		return
	}
	if rt.cfg.Auth.Enabled {
		user, ok := auth.UserFromContext(r.Context())
		if !ok || user.Claims == nil || !user.Claims.HasScope(MaintenanceScope) {
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error: "token lacks the " + MaintenanceScope + " scope",
				Type:  "forbidden",
			})
			return
		}
	}

	var req stats.CleanupRequest
	if err := rt.decodeJSON(w, r, &req); err != nil {
		rt.writeServiceError(w, r, err)
		return
	}

	res, err := rt.deps.Cleaner.Cleanup(r.Context(), req)
	if err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	rt.logger.Info("cleanup completed",
		"user_id", auth.UserID(r.Context()),
		"dry_run", res.DryRun,
		"records_deleted", res.RecordsDeleted,
		"logs_deleted", res.LogsDeleted)
	writeJSON(w, http.StatusOK, res)
}
