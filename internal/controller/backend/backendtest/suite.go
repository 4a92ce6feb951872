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

// Package backendtest holds a conformance suite shared by every backend.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Factory returns an empty backend. The suite closes it.
type Factory func(t *testing.T) backend.Backend

// Base is the reference creation time used by the suite.
var Base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// NewRun builds a pending run created offset after Base.
func NewRun(id string, offset time.Duration) *backend.Run {
	return &backend.Run{
		ID:       id,
		Playbook: "site.yml",
		Status:   model.StatusPending,
		UserID:   "alice",
		Queue:    "runs",
		Options: model.Options{
			Playbook:          "site.yml",
			Hosts:             []string{"web1", "web2"},
			Forks:             5,
			ConnectionTimeout: 30,
			ExecutionTimeout:  30 * time.Second,
			ExtraVars:         map[string]any{"release": "v2"},
			Queue:             "runs",
		},
		LogPath:   "/var/lib/stagehand/logs/" + id + ".log",
		CreatedAt: Base.Add(offset),
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("TransitionCAS", func(t *testing.T) { testTransitionCAS(t, factory) })
	t.Run("UpdateKeepsStatus", func(t *testing.T) { testUpdateKeepsStatus(t, factory) })
	t.Run("UpdateLeavesTerminal", func(t *testing.T) { testUpdateLeavesTerminal(t, factory) })
	t.Run("RequestCancelSurvivesTransition", func(t *testing.T) { testRequestCancel(t, factory) })
	t.Run("TransitionRecordsCancel", func(t *testing.T) { testTransitionRecordsCancel(t, factory) })
	t.Run("HistoryFailedDescending", func(t *testing.T) { testHistoryFailedDescending(t, factory) })
	t.Run("FiltersAndSearch", func(t *testing.T) { testFilters(t, factory) })
	t.Run("SortAndPage", func(t *testing.T) { testSortAndPage(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
}

func open(t *testing.T, factory Factory) backend.Backend {
	t.Helper()
	be := factory(t)
	t.Cleanup(func() { _ = be.Close() })
	return be
}

func finish(t *testing.T, be backend.Backend, id string, status model.Status, started, finished time.Time) {
	t.Helper()
	ctx := context.Background()

	run, err := be.GetRun(ctx, id)
	require.NoError(t, err)
	run.Status = model.StatusRunning
	run.StartedAt = &started
	require.NoError(t, be.TransitionRun(ctx, run, model.StatusPending))

	run.Status = status
	run.FinishedAt = &finished
	run.DurationSeconds = finished.Sub(started).Seconds()
	code := 0
	if status != model.StatusSuccess {
		code = 2
	}
	run.ExitCode = &code
	require.NoError(t, be.TransitionRun(ctx, run, model.StatusRunning))
}

func testCreateAndGet(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()

	run := NewRun("run-1", 0)
	run.Summary.Set("web1", model.HostCounts{OK: 2, Changed: 1})
	require.NoError(t, be.CreateRun(ctx, run))

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, []string{"web1", "web2"}, got.Options.Hosts)
	assert.Equal(t, 30*time.Second, got.Options.ExecutionTimeout)
	assert.Equal(t, "v2", got.Options.ExtraVars["release"])
	assert.Equal(t, 2, got.Summary.Totals.OK)
	assert.True(t, got.CreatedAt.Equal(run.CreatedAt))
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.StartedAt)

	assert.Error(t, be.CreateRun(ctx, run), "duplicate id must be rejected")
}

func testGetMissing(t *testing.T, factory Factory) {
	be := open(t, factory)

	_, err := be.GetRun(context.Background(), "nope")
	var notFound *stagehanderrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.ID)
}

func testTransitionCAS(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, NewRun("run-1", 0)))

	run, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	started := Base.Add(time.Second)
	run.Status = model.StatusRunning
	run.StartedAt = &started
	require.NoError(t, be.TransitionRun(ctx, run, model.StatusPending))

	// A second claim from pending must lose.
	err = be.TransitionRun(ctx, run, model.StatusPending)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrStatusConflict))

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))
}

func testUpdateKeepsStatus(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, NewRun("run-1", 0)))

	run, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	run.Status = model.StatusSuccess
	run.StdoutLines = 42
	run.Error = "transient store failure"
	run.Attempts = 2
	require.NoError(t, be.UpdateRun(ctx, run))

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status, "UpdateRun must not change status")
	assert.Equal(t, 42, got.StdoutLines)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "transient store failure", got.Error)

	missing := NewRun("ghost", 0)
	var notFound *stagehanderrors.NotFoundError
	assert.ErrorAs(t, be.UpdateRun(ctx, missing), &notFound)
}

func testUpdateLeavesTerminal(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, NewRun("run-1", 0)))
	now := time.Now().UTC()
	finish(t, be, "run-1", model.StatusFailed, now.Add(-time.Minute), now)

	stale, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	stale.PID = 4242
	stale.Phase = "TASK [wait]"
	require.NoError(t, be.UpdateRun(ctx, stale))

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Zero(t, got.PID)
	assert.Empty(t, got.Phase)
}

func testRequestCancel(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, NewRun("run-1", 0)))

	stale, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)

	require.NoError(t, be.RequestCancel(ctx, "run-1", "operator abort"))

	// The stale copy has no cancel flag; the transition must not erase it.
	stale.Status = model.StatusRunning
	require.NoError(t, be.TransitionRun(ctx, stale, model.StatusPending))

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, "operator abort", got.CancelReason)
}

func testTransitionRecordsCancel(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, NewRun("run-1", 0)))

	run, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	run.Status = model.StatusCancelled
	run.CancelRequested = true
	run.CancelReason = "controller shutting down"
	require.NoError(t, be.TransitionRun(ctx, run, model.StatusPending))

	got, err := be.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, "controller shutting down", got.CancelReason)
}

func testHistoryFailedDescending(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("run-%02d", i)
		require.NoError(t, be.CreateRun(ctx, NewRun(id, time.Duration(i)*time.Minute)))
		status := model.StatusSuccess
		if i%4 != 0 {
			status = model.StatusFailed
		}
		start := Base.Add(time.Duration(i) * time.Minute)
		finish(t, be, id, status, start, start.Add(4*time.Second))
	}

	runs, total, err := be.ListRuns(ctx, backend.RunFilter{
		Status:    model.StatusFailed,
		SortBy:    "created_at",
		SortOrder: backend.SortDesc,
		Limit:     20,
	})
	require.NoError(t, err)
	assert.Equal(t, 22, total)
	require.Len(t, runs, 20)
	for i, run := range runs {
		assert.Equal(t, model.StatusFailed, run.Status)
		if i > 0 {
			assert.False(t, run.CreatedAt.After(runs[i-1].CreatedAt), "results must be in descending creation order")
		}
	}
	assert.Equal(t, "run-29", runs[0].ID)
}

func testFilters(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()

	a := NewRun("aaa-1", 0)
	b := NewRun("bbb-2", time.Hour)
	b.UserID = "bob"
	b.Playbook = "db.yml"
	c := NewRun("ccc-3", 2*time.Hour)
	c.Error = "Permission denied on web2"
	for _, r := range []*backend.Run{a, b, c} {
		require.NoError(t, be.CreateRun(ctx, r))
	}
	finish(t, be, "aaa-1", model.StatusSuccess, Base, Base.Add(time.Minute))

	tests := []struct {
		name   string
		filter backend.RunFilter
		want   []string
	}{
		{"user", backend.RunFilter{UserID: "bob"}, []string{"bbb-2"}},
		{"playbook", backend.RunFilter{Playbook: "site.yml", SortOrder: backend.SortAsc}, []string{"aaa-1", "ccc-3"}},
		{"created window", backend.RunFilter{CreatedFrom: Base.Add(30 * time.Minute), CreatedTo: Base.Add(90 * time.Minute)}, []string{"bbb-2"}},
		{"search error text", backend.RunFilter{Search: "permission"}, []string{"ccc-3"}},
		{"search id", backend.RunFilter{Search: "BBB"}, []string{"bbb-2"}},
		{"terminal only", backend.RunFilter{TerminalOnly: true}, []string{"aaa-1"}},
		{"finished before", backend.RunFilter{FinishedBefore: Base.Add(2 * time.Minute)}, []string{"aaa-1"}},
		{"finished before excludes later", backend.RunFilter{FinishedBefore: Base.Add(30 * time.Second)}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, total, err := be.ListRuns(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), total)
		})
	}
}

func testSortAndPage(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()

	durations := map[string]time.Duration{"r1": 30 * time.Second, "r2": 5 * time.Second, "r3": 90 * time.Second}
	offset := time.Duration(0)
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, be.CreateRun(ctx, NewRun(id, offset)))
		start := Base.Add(offset)
		finish(t, be, id, model.StatusSuccess, start, start.Add(durations[id]))
		offset += time.Minute
	}

	runs, total, err := be.ListRuns(ctx, backend.RunFilter{SortBy: "duration_seconds", SortOrder: backend.SortAsc})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"r2", "r1", "r3"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	page, total, err := be.ListRuns(ctx, backend.RunFilter{SortBy: "duration_seconds", SortOrder: backend.SortDesc, Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "r1", page[0].ID)

	empty, _, err := be.ListRuns(ctx, backend.RunFilter{Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDelete(t *testing.T, factory Factory) {
	be := open(t, factory)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, NewRun("run-1", 0)))

	require.NoError(t, be.DeleteRun(ctx, "run-1"))
	_, err := be.GetRun(ctx, "run-1")
	var notFound *stagehanderrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	assert.ErrorAs(t, be.DeleteRun(ctx, "run-1"), &notFound)
}
