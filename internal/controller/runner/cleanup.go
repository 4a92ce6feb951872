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
	"time"

	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/controller/queue"
)

// cleanupScheduler enqueues a cleanup job on the maintenance class every
// CleanupInterval. The loop respects context cancellation for graceful
// shutdown.
func (e *Engine) cleanupScheduler(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("cleanup scheduler stopped", slog.Any("reason", ctx.Err()))
			return
		case t := <-ticker.C:
			if e.scheduleGate != nil && !e.scheduleGate() {
				continue
			}
			if err := e.ScheduleCleanup(ctx, t); err != nil {
				e.logger.Warn("failed to schedule cleanup", slog.Any("error", err))
			}
		}
	}
}

// ScheduleCleanup enqueues one cleanup job. Jobs are keyed by the hour so
// several instances schedule it once.
func (e *Engine) ScheduleCleanup(ctx context.Context, at time.Time) error {
	class := config.ClassMaintenance
	if _, ok := e.classes[class]; !ok {
		return fmt.Errorf("queue class %q is not configured", class)
	}
	return e.queue.Enqueue(ctx, &queue.Job{
		RunID:      "cleanup-" + at.UTC().Format("2006010215"),
		Queue:      class,
		Kind:       queue.KindCleanup,
		EnqueuedAt: at,
	})
}

func (e *Engine) runMaintenance(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	logger := e.logger.With(slog.String("job", job.RunID))

	if e.maintenance == nil {
		logger.Warn("no maintenance task configured; dropping job")
		_ = d.Ack()
		return
	}

	start := e.now()
	if err := e.maintenance(ctx); err != nil {
		logger.Error("cleanup failed", slog.Any("error", err))
		if job.Attempt < e.cfg.MaxRetries {
			_ = d.Nak(e.retryDelay(job.Attempt))
			return
		}
	} else {
		logger.Info("cleanup finished", slog.Duration("duration", e.now().Sub(start)))
	}
	_ = d.Ack()
}
