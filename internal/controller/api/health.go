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
	"net/http"
	"runtime"
	"time"

	"github.com/tombee/stagehand/internal/controller/health"
)

// HealthzResponse is the liveness reply.
type HealthzResponse struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
	Version  string `json:"version,omitempty"`
}

// VersionResponse describes the running build.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{Status: "ok", Version: rt.cfg.Version}
	if rt.deps.Runs.IsDraining() {
		resp.Status = "draining"
		resp.Draining = true
		setRetryAfter(w, 30*time.Second)
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /v1/health.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Health == nil {
		writeError(w, http.StatusNotImplemented, "health evaluation is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, rt.deps.Health.Snapshot(r.Context()))
}

// handleUpdateThresholds handles PUT /v1/health/thresholds. Omitted fields
// keep their current values.
func (rt *Router) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Health == nil {
		writeError(w, http.StatusNotImplemented, "health evaluation is not enabled")
		return
	}
	th := rt.deps.Health.Thresholds()
	if err := rt.decodeJSON(w, r, &th); err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	if err := rt.deps.Health.UpdateThresholds(th); err != nil {
		rt.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Thresholds health.Thresholds `json:"thresholds"`
	}{rt.deps.Health.Thresholds()})
}

func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   rt.cfg.Version,
		Commit:    rt.cfg.Commit,
		BuildDate: rt.cfg.BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	})
}
