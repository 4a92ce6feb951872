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

package client

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/health"
	"github.com/tombee/stagehand/internal/controller/stats"
)

// StatsRequest selects the window for GET /v1/stats.
type StatsRequest struct {
	Period   string
	Days     int
	Playbook string
	UserID   string
}

// ExportRequest selects the rows and format for GET /v1/export.
type ExportRequest struct {
	From   time.Time
	To     time.Time
	Format string
}

// ExportResult describes a completed export.
type ExportResult struct {
	Count    int
	Bytes    int64
	Filename string
}

// Stats returns aggregate statistics.
func (c *Client) Stats(ctx context.Context, req StatsRequest) (*stats.Report, error) {
	q := url.Values{}
	if req.Period != "" {
		q.Set("period", req.Period)
	}
	if req.Days > 0 {
		q.Set("days", strconv.Itoa(req.Days))
	}
	if req.Playbook != "" {
		q.Set("playbook", req.Playbook)
	}
	if req.UserID != "" {
		q.Set("user_id", req.UserID)
	}
	out := &stats.Report{Stats: &stats.Stats{}}
	if err := c.getJSON(ctx, "/v1/stats", q, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Export streams finished runs in CSV or JSON to w.
func (c *Client) Export(ctx context.Context, req ExportRequest, w io.Writer) (*ExportResult, error) {
	q := url.Values{}
	if !req.From.IsZero() {
		q.Set("from", req.From.UTC().Format(time.RFC3339))
	}
	if !req.To.IsZero() {
		q.Set("to", req.To.UTC().Format(time.RFC3339))
	}
	if req.Format != "" {
		q.Set("format", req.Format)
	}
	path := "/v1/export"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	hreq, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read export: %w", err)
	}
	res := &ExportResult{Bytes: n}
	res.Count, _ = strconv.Atoi(resp.Header.Get("X-Export-Count"))
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		res.Filename = params["filename"]
	}
	return res, nil
}

// Cleanup runs retention cleanup on the controller.
func (c *Client) Cleanup(ctx context.Context, req stats.CleanupRequest) (*stats.CleanupResult, error) {
	var out stats.CleanupResult
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/maintenance/cleanup", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the latest health evaluation.
func (c *Client) Health(ctx context.Context) (*health.Report, error) {
	var out health.Report
	if err := c.getJSON(ctx, "/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateThresholds replaces the alert thresholds named in patch. The
// controller keeps the current value of any field patch leaves out.
func (c *Client) UpdateThresholds(ctx context.Context, patch map[string]any) (*health.Thresholds, error) {
	var out struct {
		Thresholds health.Thresholds `json:"thresholds"`
	}
	if err := c.sendJSON(ctx, http.MethodPut, "/v1/health/thresholds", patch, &out); err != nil {
		return nil, err
	}
	return &out.Thresholds, nil
}

// Version returns the controller build information.
func (c *Client) Version(ctx context.Context) (*api.VersionResponse, error) {
	var out api.VersionResponse
	if err := c.getJSON(ctx, "/v1/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping checks if the controller is reachable and accepting work.
func (c *Client) Ping(ctx context.Context) error {
	var out api.HealthzResponse
	return c.getJSON(ctx, "/healthz", nil, &out)
}
