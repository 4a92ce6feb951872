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

package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/queue"
)

// recover reconciles the store with a fresh process. Runs this instance
// left running cannot be resumed and are failed. Pending runs are
// enqueued again; the queue ignores ids it already holds.
func (e *Engine) recover(ctx context.Context) error {
	orphans, _, err := e.store.ListRuns(ctx, backend.RunFilter{
		Status:   model.StatusRunning,
		WorkerID: e.cfg.InstanceID,
	})
	if err != nil {
		return fmt.Errorf("listing running runs: %w", err)
	}
	for _, run := range orphans {
		e.logger.Warn("failing run interrupted by restart", slog.String("run_id", run.ID))
		e.fail(ctx, run, "controller restarted")
	}

	pending, _, err := e.store.ListRuns(ctx, backend.RunFilter{
		Status:    model.StatusPending,
		SortBy:    "created_at",
		SortOrder: backend.SortAsc,
	})
	if err != nil {
		return fmt.Errorf("listing pending runs: %w", err)
	}
	requeued := 0
	for _, run := range pending {
		if run.CancelRequested {
			if _, err := e.state.transition(ctx, run, model.StatusCancelled, nil); err == nil {
				e.hub.Finish(run.ID)
			}
			continue
		}
		e.hub.Open(run.ID, run.LogPath)
		err := e.queue.Enqueue(ctx, &queue.Job{
			RunID:      run.ID,
			Queue:      run.Queue,
			Kind:       queue.KindRun,
			Priority:   run.Priority,
			Attempt:    run.Attempts,
			EnqueuedAt: run.CreatedAt,
		})
		if err != nil {
			return fmt.Errorf("re-enqueueing run %s: %w", run.ID, err)
		}
		requeued++
	}

	if len(orphans) > 0 || requeued > 0 {
		e.logger.Info("recovery complete",
			slog.Int("failed", len(orphans)),
			slog.Int("requeued", requeued))
	}
	return nil
}
