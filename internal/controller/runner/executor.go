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
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/broadcast"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/process"
	"github.com/tombee/stagehand/internal/controller/queue"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/tracing"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// handle processes one delivery. Every path ends in exactly one Ack or Nak.
func (e *Engine) handle(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("worker panic",
				slog.String("run_id", job.RunID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			e.failAfterPanic(ctx, job.RunID, fmt.Sprint(r))
			_ = d.Ack()
		}
	}()

	if job.Kind == queue.KindCleanup {
		e.runMaintenance(ctx, d)
		return
	}
	e.handleRun(ctx, d)
}

func (e *Engine) handleRun(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	logger := e.logger.With(slog.String("run_id", job.RunID), slog.Int("attempt", job.Attempt))

	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		var notFound *stagehanderrors.NotFoundError
		if errors.As(err, &notFound) {
			logger.Warn("dropping job for unknown run")
			_ = d.Ack()
			return
		}
		if job.Attempt >= e.cfg.MaxRetries {
			logger.Error("giving up on job: store unavailable", slog.Any("error", err))
			e.failUnloaded(ctx, job, err)
			_ = d.Ack()
			return
		}
		logger.Warn("failed to load run; retrying", slog.Any("error", err))
		e.recordRetry("store")
		_ = d.Nak(e.retryDelay(job.Attempt))
		return
	}

	switch {
	case run.Status.IsTerminal():
		_ = d.Ack()
		return

	case run.Status == model.StatusRunning:
		if e.execution(run.ID) == nil {
			// Redelivered after its owner stopped heartbeating.
			logger.Warn("run owner lost", slog.String("owner", run.WorkerID))
			e.fail(ctx, run, "worker lost: "+run.WorkerID)
		}
		_ = d.Ack()
		return

	case run.CancelRequested:
		if _, err := e.state.transition(ctx, run, model.StatusCancelled, nil); err == nil {
			e.hub.Finish(run.ID)
		}
		_ = d.Ack()
		return
	}

	e.execute(ctx, d, run)
}

func (e *Engine) execute(ctx context.Context, d queue.Delivery, run *backend.Run) {
	job := d.Job()
	logger := log.WithRunContext(e.logger, run.ID, run.Playbook).With(slog.Int("attempt", job.Attempt))

	ex := newExecution(run.ID, e.cfg.KillGrace)
	if !e.register(ex) {
		// Duplicate delivery of a run already starting here.
		_ = d.Ack()
		return
	}
	defer e.unregister(run.ID)

	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.playbook", run.Playbook),
		attribute.String("run.queue", run.Queue),
		tracing.AttemptKey.Int(job.Attempt+1),
	))
	defer span.End()

	opts := run.Options.Clone()
	if e.inventory != nil {
		hosts, err := e.inventory.Select(ctx, opts.Hosts, opts.Limit)
		if err == nil && len(hosts) == 0 {
			err = errors.New("no inventory hosts matched the targets")
		}
		if err != nil {
			span.RecordError(err)
			e.fail(ctx, run, "target resolution failed: "+err.Error())
			_ = d.Ack()
			return
		}
		opts.Hosts = hosts
		opts.Limit = ""
	}

	runID := run.ID
	sink := process.SinkFunc(func(stream process.Stream, text string) {
		ex.observe(stream, text)
		e.hub.Publish(runID, broadcast.Event{
			Type: broadcast.EventLog,
			Data: broadcast.LogData{Stream: string(stream), Line: text},
		})
	})

	proc, err := e.procs.Start(ctx, process.Invocation{RunID: run.ID, Options: opts, LogPath: run.LogPath}, sink)
	if err != nil {
		span.RecordError(err)
		var spawn *stagehanderrors.ProcessSpawnError
		if errors.As(err, &spawn) {
			logger.Error("failed to start playbook", slog.Any("error", err))
			e.fail(ctx, run, err.Error())
			_ = d.Ack()
			return
		}
		e.retryStart(ctx, d, run, err)
		return
	}
	ex.attach(proc)

	started, err := e.state.transition(ctx, run, model.StatusRunning, func(r *backend.Run) {
		r.WorkerID = e.cfg.InstanceID
		r.PID = proc.PID()
		r.Attempts = job.Attempt + 1
	})
	if err != nil {
		proc.Kill()
		proc.Wait()
		if errors.Is(err, backend.ErrStatusConflict) {
			logger.Info("run changed before it started; discarding process")
			_ = d.Ack()
			return
		}
		e.retryStart(ctx, d, run, err)
		return
	}

	var soft, hard time.Time
	if opts.ExecutionTimeout > 0 {
		hard = started.StartedAt.Add(opts.ExecutionTimeout)
		if opts.SoftTimeout > 0 {
			soft = started.StartedAt.Add(opts.SoftTimeout)
		}
		e.watchdog.Add(runID, soft, hard)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go e.heartbeat(hbCtx, d, started, ex, hbDone)

	res := proc.Wait()
	e.watchdog.Remove(runID)
	stopHeartbeat()
	<-hbDone

	if ex.isSuperseded() {
		logger.Warn("run was finalized elsewhere; process stopped")
		e.hub.Finish(runID)
		_ = d.Ack()
		return
	}

	status, detail, reason := decideOutcome(res, ex, opts)

	e.hub.Publish(runID, broadcast.Event{Type: broadcast.EventSummary, Data: res.Summary})

	final, err := e.finalize(ctx, started, status, func(r *backend.Run) {
		code := res.ExitCode
		r.ExitCode = &code
		r.Summary = res.Summary
		r.StdoutLines = res.StdoutLines
		r.StderrLines = res.StderrLines
		if status == model.StatusCancelled {
			r.CancelRequested = true
			r.CancelReason = reason
		} else if detail != "" {
			r.Error = appendError(r.Error, detail)
		}
		if res.Err != nil {
			r.Error = appendError(r.Error, res.Err.Error())
		}
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, backend.ErrStatusConflict) {
			logger.Warn("run was finalized elsewhere")
			_ = d.Ack()
			return
		}
		if job.Attempt >= e.cfg.MaxRetries {
			// Recovery on the next start finalizes the record.
			logger.Error("giving up on recording outcome", slog.Any("error", err))
			_ = d.Ack()
			return
		}
		logger.Error("failed to record outcome", slog.Any("error", err))
		e.recordRetry("store")
		_ = d.Nak(e.retryDelay(job.Attempt))
		return
	}

	span.SetAttributes(attribute.String("run.status", string(final.Status)), attribute.Int("run.exit_code", res.ExitCode))
	if final.Status != model.StatusSuccess {
		span.SetStatus(codes.Error, string(final.Status))
	}
	if e.metrics != nil {
		e.metrics.RecordRunComplete(final.Status, time.Duration(final.DurationSeconds*float64(time.Second)))
	}
	e.hub.Finish(runID)
	_ = d.Ack()

	logger.Info("run finished",
		slog.String("status", string(final.Status)),
		slog.Int("exit_code", res.ExitCode),
		slog.Float64("duration_seconds", final.DurationSeconds))
}

// decideOutcome picks the terminal status. A timeout or cancel only wins
// when its signal reached the process before it exited on its own.
func decideOutcome(res process.Result, ex *execution, opts model.Options) (status model.Status, detail, reason string) {
	status = model.Outcome(res.ExitCode, res.Summary)
	if !res.Forced {
		return status, "", ""
	}
	timedOut, kind, cancelled, reason := ex.outcome()
	switch {
	case timedOut:
		limit := opts.ExecutionTimeout
		if kind == deadlineSoft {
			limit = opts.SoftTimeout
		}
		return model.StatusTimeout, fmt.Sprintf("execution exceeded %s timeout of %s", kind, limit), ""
	case cancelled:
		return model.StatusCancelled, reason, reason
	}
	return status, "", ""
}

// heartbeat extends the lease, picks up cancel requests made through other
// instances and records progress until ctx is done.
func (e *Engine) heartbeat(ctx context.Context, d queue.Delivery, run *backend.Run, ex *execution, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := d.InProgress(); err != nil {
			e.logger.Warn("failed to extend lease", slog.String("run_id", run.ID), slog.Any("error", err))
		}

		cur, err := e.store.GetRun(ctx, run.ID)
		if err == nil {
			if cur.Status != model.StatusRunning || cur.WorkerID != run.WorkerID {
				e.logger.Warn("run no longer held by this worker; stopping process",
					slog.String("run_id", run.ID),
					slog.String("status", string(cur.Status)),
					slog.String("owner", cur.WorkerID))
				ex.supersede()
				return
			}
			if cur.CancelRequested {
				ex.requestCancel(cur.CancelReason)
			}
		}

		progress := run.Clone()
		progress.StdoutLines = int(ex.stdout.Load())
		progress.StderrLines = int(ex.stderr.Load())
		progress.Phase = ex.currentPhase()
		if err := e.store.UpdateRun(ctx, progress); err != nil && ctx.Err() == nil {
			e.logger.Warn("failed to record progress", slog.String("run_id", run.ID), slog.Any("error", err))
			if e.metrics != nil {
				e.metrics.RecordPersistenceError("UpdateRun", err)
			}
		}
	}
}

// retryStart records a transient start failure and schedules another
// attempt, or fails the run when retries are exhausted.
func (e *Engine) retryStart(ctx context.Context, d queue.Delivery, run *backend.Run, cause error) {
	job := d.Job()
	attempt := job.Attempt + 1

	run = run.Clone()
	run.Error = appendError(run.Error, fmt.Sprintf("attempt %d: %v", attempt, cause))
	run.Attempts = attempt
	if err := e.state.persist(ctx, "UpdateRun", func() error { return e.store.UpdateRun(ctx, run) }); err != nil {
		e.logger.Warn("failed to record attempt", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	if job.Attempt >= e.cfg.MaxRetries {
		e.logger.Error("run failed after retries", slog.String("run_id", run.ID), slog.Int("attempts", attempt))
		e.fail(ctx, run, "retries exhausted")
		_ = d.Ack()
		return
	}

	delay := e.retryDelay(job.Attempt)
	e.logger.Warn("run start failed; retrying",
		slog.String("run_id", run.ID),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
	e.recordRetry("start")
	_ = d.Nak(delay)
}

// fail moves a non-terminal run to failed and closes its stream.
func (e *Engine) fail(ctx context.Context, run *backend.Run, msg string) {
	final, err := e.state.transition(context.WithoutCancel(ctx), run, model.StatusFailed, func(r *backend.Run) {
		r.Error = appendError(r.Error, msg)
	})
	if err != nil {
		return
	}
	if e.metrics != nil {
		e.metrics.RecordRunComplete(final.Status, time.Duration(final.DurationSeconds*float64(time.Second)))
	}
	e.hub.Finish(run.ID)
}

// finalize writes the terminal transition, retrying locally with the
// captured result so a store outage does not lose it. Conflicts are not
// retried.
func (e *Engine) finalize(ctx context.Context, run *backend.Run, status model.Status, mutate func(*backend.Run)) (*backend.Run, error) {
	ctx = context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.retryDelay(attempt - 1)
			e.logger.Warn("failed to record outcome; retrying",
				slog.String("run_id", run.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr))
			e.recordRetry("finalize")
			time.Sleep(delay)
		}
		final, err := e.state.transition(ctx, run, status, mutate)
		if err == nil {
			return final, nil
		}
		if errors.Is(err, backend.ErrStatusConflict) || errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// failUnloaded makes one more attempt to load a run whose reads kept
// failing and finalizes it as failed with the accumulated error.
func (e *Engine) failUnloaded(ctx context.Context, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	var run *backend.Run
	err := e.state.persist(ctx, "GetRun", func() error {
		var err error
		run, err = e.store.GetRun(ctx, job.RunID)
		return err
	})
	if err != nil || run.Status.IsTerminal() {
		return
	}
	e.fail(ctx, run, fmt.Sprintf("store unavailable after %d attempts: %v", job.Attempt+1, cause))
}

func (e *Engine) failAfterPanic(ctx context.Context, runID, msg string) {
	if ex := e.execution(runID); ex != nil {
		ex.abort()
	}
	run, err := e.store.GetRun(context.WithoutCancel(ctx), runID)
	if err != nil || run.Status.IsTerminal() {
		return
	}
	e.fail(ctx, run, "internal error: "+msg)
}

func (e *Engine) onDeadline(runID string, kind deadlineKind) {
	ex := e.execution(runID)
	if ex == nil {
		return
	}
	e.logger.Warn("run deadline reached", slog.String("run_id", runID), slog.String("deadline", kind.String()))
	ex.deadline(kind)
}

// retryDelay is the backoff before attempt+1: RetryInitial doubled per
// attempt, capped at RetryMax.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = e.cfg.RetryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (e *Engine) recordRetry(component string) {
	if e.metrics != nil {
		e.metrics.RecordRetry(component)
	}
}
