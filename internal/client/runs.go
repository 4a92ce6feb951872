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
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/options"
	"github.com/tombee/stagehand/internal/controller/runner"
)

// HistoryRequest filters GET /v1/runs. Zero values are omitted.
type HistoryRequest struct {
	UserID    string
	Status    string
	Playbook  string
	Search    string
	From      time.Time
	To        time.Time
	SortBy    string
	SortOrder string
	Skip      int
	Limit     int
}

func (r HistoryRequest) values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("user_id", r.UserID)
	set("status", r.Status)
	set("playbook", r.Playbook)
	set("q", r.Search)
	set("sort_by", r.SortBy)
	set("sort_order", r.SortOrder)
	if !r.From.IsZero() {
		q.Set("from", r.From.UTC().Format(time.RFC3339))
	}
	if !r.To.IsZero() {
		q.Set("to", r.To.UTC().Format(time.RFC3339))
	}
	if r.Skip > 0 {
		q.Set("skip", strconv.Itoa(r.Skip))
	}
	if r.Limit > 0 {
		q.Set("limit", strconv.Itoa(r.Limit))
	}
	return q
}

// HistoryResponse is one page of run history.
type HistoryResponse struct {
	Items   []api.StatusResponse `json:"items"`
	Total   int                  `json:"total"`
	HasMore bool                 `json:"has_more"`
	Skip    int                  `json:"skip"`
	Limit   int                  `json:"limit"`
}

// Submit queues a playbook run.
func (c *Client) Submit(ctx context.Context, req *options.Request) (*api.SubmitResponse, error) {
	var out api.SubmitResponse
	if err := c.sendJSON(ctx, http.MethodPost, "/v1/runs", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the current state of a run.
func (c *Client) Status(ctx context.Context, id string) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Result returns the outcome of a finished run. A run that has not finished
// yields an *APIError with status 409.
func (c *Client) Result(ctx context.Context, id string) (*api.ResultResponse, error) {
	var out api.ResultResponse
	if err := c.getJSON(ctx, "/v1/runs/"+url.PathEscape(id)+"/result", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel asks the controller to stop a run. Cancelled is false when the
// run had already finished.
func (c *Client) Cancel(ctx context.Context, id, reason string) (*runner.CancelResult, error) {
	var out runner.CancelResult
	path := "/v1/runs/" + url.PathEscape(id) + "/cancel"
	if err := c.sendJSON(ctx, http.MethodPost, path, api.CancelRequest{Reason: reason}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists runs matching req.
func (c *Client) History(ctx context.Context, req HistoryRequest) (*HistoryResponse, error) {
	var out HistoryResponse
	if err := c.getJSON(ctx, "/v1/runs", req.values(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Log copies the durable log of a run to w.
func (c *Client) Log(ctx context.Context, id string, w io.Writer) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id)+"/log", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read log: %w", err)
	}
	return n, nil
}
