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

// Package backend provides storage backends for run records.
//
// # Interface Hierarchy
//
// The backend package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRun, TransitionRun, RequestCancel
//   - RunLister: ListRuns, DeleteRun
//   - io.Closer: Close
//
// The Backend interface composes all of these. The engine only needs
// RunStore; the history aggregator and cleanup need RunLister.
//
// # Status changes
//
// TransitionRun is a compare-and-swap on the stored status. It is the only
// way the engine changes a run's status, which keeps each transition
// exactly-once even when several controller instances share a store.
package backend

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tombee/stagehand/internal/controller/model"
)

// ErrStatusConflict is returned by TransitionRun when the stored status is
// not the expected one.
var ErrStatusConflict = errors.New("run status changed concurrently")

// RunStore is the core interface for run storage operations.
type RunStore interface {
	// CreateRun creates a new run in storage.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. A missing run yields *errors.NotFoundError.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun writes the mutable progress fields of a run without
	// touching its status. A terminal record is left unchanged.
	UpdateRun(ctx context.Context, run *Run) error

	// TransitionRun writes the full record only if the stored status equals
	// from. Otherwise it returns ErrStatusConflict and writes nothing.
	TransitionRun(ctx context.Context, run *Run, from model.Status) error

	// RequestCancel flags a run for cancellation without touching other fields.
	RequestCancel(ctx context.Context, id, reason string) error
}

// RunLister is the interface for querying and deleting runs.
type RunLister interface {
	// ListRuns returns one page of matching runs and the total match count.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int, error)

	// DeleteRun deletes a run by ID.
	DeleteRun(ctx context.Context, id string) error
}

// Backend defines the full interface for run storage.
type Backend interface {
	RunStore
	RunLister
	io.Closer
}

// Run is the durable record of one execution.
type Run struct {
	ID       string        `json:"id"`
	Playbook string        `json:"playbook"`
	Options  model.Options `json:"options"`
	Status   model.Status  `json:"status"`
	UserID   string        `json:"user_id"`
	Queue    string        `json:"queue"`
	Priority int           `json:"priority"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	ExitCode        *int       `json:"exit_code,omitempty"`

	Summary     model.Summary `json:"summary"`
	StdoutLines int           `json:"stdout_lines"`
	StderrLines int           `json:"stderr_lines"`
	Phase       string        `json:"phase,omitempty"`
	LogPath     string        `json:"log_path"`
	Error       string        `json:"error,omitempty"`
	Attempts    int           `json:"attempts"`

	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	WorkerID        string `json:"worker_id,omitempty"`
	PID             int    `json:"pid,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	out := *r
	out.Options = r.Options.Clone()
	out.Summary = r.Summary.Clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	return &out
}

// Sort orders.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// SortFields maps the sortable field names to their column names. Only names
// in this map may be used in RunFilter.SortBy.
var SortFields = map[string]string{
	"created_at":       "created_at",
	"started_at":       "started_at",
	"finished_at":      "finished_at",
	"duration_seconds": "duration_seconds",
	"status":           "status",
	"playbook":         "playbook",
	"user_id":          "user_id",
}

// RunFilter contains filtering, sorting and paging options for listing runs.
// Zero values mean "no constraint".
type RunFilter struct {
	UserID         string
	Status         model.Status
	Playbook       string
	WorkerID       string
	CreatedFrom    time.Time
	CreatedTo      time.Time
	FinishedBefore time.Time
	TerminalOnly   bool
	Search         string

	// SortBy must be a key of SortFields. Empty means created_at.
	SortBy string
	// SortOrder is SortAsc or SortDesc. Empty means SortDesc.
	SortOrder string

	Skip  int
	Limit int
}

// SortColumn returns the allow-listed column for f.SortBy and the direction.
func (f RunFilter) SortColumn() (string, string) {
	col, ok := SortFields[f.SortBy]
	if !ok {
		col = "created_at"
	}
	order := SortDesc
	if strings.EqualFold(f.SortOrder, SortAsc) {
		order = SortAsc
	}
	return col, order
}

// Matches reports whether r satisfies every constraint in f. Backends that
// filter in memory use this; SQL backends express the same rules in WHERE.
func (f RunFilter) Matches(r *Run) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Playbook != "" && r.Playbook != f.Playbook {
		return false
	}
	if f.WorkerID != "" && r.WorkerID != f.WorkerID {
		return false
	}
	if !f.CreatedFrom.IsZero() && r.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && !r.CreatedAt.Before(f.CreatedTo) {
		return false
	}
	if f.TerminalOnly && !r.Status.IsTerminal() {
		return false
	}
	if !f.FinishedBefore.IsZero() && (r.FinishedAt == nil || !r.FinishedAt.Before(f.FinishedBefore)) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		hay := strings.ToLower(strings.Join([]string{r.ID, r.Playbook, r.UserID, r.Error}, "\n"))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

// SortRuns orders runs in place by the filter's sort column. Ties are
// broken by id so pages are stable.
func SortRuns(runs []*Run, f RunFilter) {
	col, order := f.SortColumn()
	less := func(a, b *Run) int {
		switch col {
		case "started_at":
			return compareTimePtr(a.StartedAt, b.StartedAt)
		case "finished_at":
			return compareTimePtr(a.FinishedAt, b.FinishedAt)
		case "duration_seconds":
			return compareFloat(a.DurationSeconds, b.DurationSeconds)
		case "status":
			return strings.Compare(string(a.Status), string(b.Status))
		case "playbook":
			return strings.Compare(a.Playbook, b.Playbook)
		case "user_id":
			return strings.Compare(a.UserID, b.UserID)
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		c := less(runs[i], runs[j])
		if c == 0 {
			c = strings.Compare(runs[i].ID, runs[j].ID)
		}
		if order == SortDesc {
			return c > 0
		}
		return c < 0
	})
}

// Page applies Skip and Limit to an already filtered and sorted slice.
func Page(runs []*Run, f RunFilter) []*Run {
	if f.Skip >= len(runs) {
		return []*Run{}
	}
	runs = runs[f.Skip:]
	if f.Limit > 0 && f.Limit < len(runs) {
		runs = runs[:f.Limit]
	}
	return runs
}

// nil sorts before any time, matching SQL NULLS FIRST in ascending order.
func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return a.Compare(*b)
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
