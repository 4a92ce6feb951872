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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/broadcast"
	"github.com/tombee/stagehand/internal/controller/inventory"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/process"
	"github.com/tombee/stagehand/internal/controller/queue"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Store is the part of the run store the engine needs.
type Store interface {
	backend.RunStore
	backend.RunLister
}

// Launcher starts run processes.
type Launcher interface {
	Start(ctx context.Context, inv process.Invocation, sink process.Sink) (*process.Process, error)
}

// MaintenanceTask runs a scheduled cleanup job.
type MaintenanceTask func(ctx context.Context) error

// Config contains engine configuration.
type Config struct {
	InstanceID string
	LogDir     string

	MaxWorkers int
	Classes    map[string]int

	KillGrace    time.Duration
	MaxRetries   int
	RetryInitial time.Duration
	RetryMax     time.Duration

	LeaseTimeout time.Duration
	// Heartbeat defaults to a third of LeaseTimeout.
	Heartbeat time.Duration
	// PersistRetry bounds the time spent retrying one store write.
	PersistRetry time.Duration

	CleanupInterval time.Duration
}

// ConfigFromEngine maps daemon configuration onto engine configuration.
func ConfigFromEngine(cfg config.EngineConfig) Config {
	return Config{
		InstanceID:      cfg.InstanceID,
		LogDir:          cfg.LogDir(),
		MaxWorkers:      cfg.MaxWorkers,
		Classes:         cfg.Classes,
		KillGrace:       cfg.KillGrace,
		MaxRetries:      cfg.MaxRetries,
		RetryInitial:    cfg.RetryInitial,
		RetryMax:        cfg.RetryMax,
		LeaseTimeout:    cfg.LeaseTimeout,
		CleanupInterval: cfg.CleanupInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID, _ = os.Hostname()
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if len(c.Classes) == 0 {
		c.Classes = map[string]int{config.ClassRuns: 8, config.ClassMaintenance: 2}
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = queue.DefaultLeaseTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = c.LeaseTimeout / 3
	}
	if c.PersistRetry <= 0 {
		c.PersistRetry = 10 * time.Second
	}
}

// Engine admits, schedules and supervises runs.
type Engine struct {
	cfg      Config
	store    Store
	queue    queue.Queue
	procs    Launcher
	hub      *broadcast.Hub
	state    *stateController
	watchdog *watchdog

	logger       *slog.Logger
	metrics      MetricsCollector
	tracer       trace.Tracer
	inventory    inventory.Selector
	maintenance  MaintenanceTask
	scheduleGate func() bool
	now          func() time.Time

	global  chan struct{}
	classes map[string]chan struct{}
	busy    map[string]*atomic.Int64

	mu     sync.Mutex
	active map[string]*execution

	started  atomic.Bool
	draining atomic.Bool

	stopLoops context.CancelFunc
	stopWork  context.CancelFunc
	claimers  sync.WaitGroup
	workers   sync.WaitGroup
	aux       sync.WaitGroup
}

// New creates an Engine. Call Start to begin claiming work.
func New(cfg Config, store Store, q queue.Queue, procs Launcher, hub *broadcast.Hub, opts ...Option) *Engine {
	cfg.applyDefaults()

	e := &Engine{
		cfg:     cfg,
		store:   store,
		queue:   q,
		procs:   procs,
		hub:     hub,
		now:     time.Now,
		global:  make(chan struct{}, cfg.MaxWorkers),
		classes: make(map[string]chan struct{}, len(cfg.Classes)),
		busy:    make(map[string]*atomic.Int64, len(cfg.Classes)),
		active:  make(map[string]*execution),
	}
	for class, n := range cfg.Classes {
		if n <= 0 {
			n = 1
		}
		e.classes[class] = make(chan struct{}, n)
		e.busy[class] = &atomic.Int64{}
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "engine"), slog.String("worker", cfg.InstanceID))
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("stagehand/runner")
	}

	e.state = &stateController{
		store:    store,
		hub:      hub,
		locks:    newKeyedMutex(),
		metrics:  e.metrics,
		logger:   e.logger,
		now:      e.now,
		retryMax: cfg.PersistRetry,
	}
	e.watchdog = newWatchdog(e.onDeadline)
	e.watchdog.now = e.now
	return e
}

// LogPath returns the durable log location of a run.
func (e *Engine) LogPath(runID string, created time.Time) string {
	created = created.UTC()
	return filepath.Join(e.cfg.LogDir, created.Format("2006"), created.Format("01"), runID+".log")
}

// Submit persists a pending run and enqueues it. It fails with
// *errors.CapacityExceededError when the engine is draining or the queue
// cannot accept the job; in the latter case the record is finalized failed.
func (e *Engine) Submit(ctx context.Context, opts *model.Options, userID string) (*backend.Run, error) {
	if e.draining.Load() {
		return nil, &stagehanderrors.CapacityExceededError{Reason: "controller is draining", RetryAfter: 30 * time.Second}
	}
	if _, ok := e.classes[opts.Queue]; !ok {
		return nil, &stagehanderrors.ValidationError{Field: "queue", Message: fmt.Sprintf("unknown queue class %q", opts.Queue)}
	}

	ctx, span := e.tracer.Start(ctx, "run.submit")
	defer span.End()

	now := e.now().UTC()
	run := &backend.Run{
		ID:        uuid.NewString(),
		Playbook:  opts.Playbook,
		Options:   opts.Clone(),
		Status:    model.StatusPending,
		UserID:    userID,
		Queue:     opts.Queue,
		Priority:  opts.Priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	run.LogPath = e.LogPath(run.ID, now)

	if err := e.state.persist(ctx, "CreateRun", func() error { return e.store.CreateRun(ctx, run) }); err != nil {
		span.RecordError(err)
		return nil, &stagehanderrors.TransientError{Component: "store", Cause: err}
	}
	e.hub.Open(run.ID, run.LogPath)

	job := &queue.Job{
		RunID:      run.ID,
		Queue:      run.Queue,
		Kind:       queue.KindRun,
		Priority:   run.Priority,
		EnqueuedAt: now,
	}
	if err := e.queue.Enqueue(ctx, job); err != nil {
		span.RecordError(err)
		e.logger.Error("failed to enqueue run", slog.String("run_id", run.ID), slog.Any("error", err))
		if _, ferr := e.state.transition(context.WithoutCancel(ctx), run, model.StatusFailed, func(r *backend.Run) {
			r.Error = appendError(r.Error, "enqueue failed: "+err.Error())
		}); ferr == nil {
			e.hub.Finish(run.ID)
		}
		return nil, &stagehanderrors.CapacityExceededError{Reason: "queue unavailable", RetryAfter: 5 * time.Second, Cause: err}
	}

	if e.metrics != nil {
		e.metrics.RecordSubmit(run.Queue)
	}
	e.logger.Info("run submitted",
		slog.String("run_id", run.ID),
		slog.String("playbook", run.Playbook),
		slog.String("queue", run.Queue),
		slog.String("user_id", userID))
	return run.Clone(), nil
}

// Get returns a run record.
func (e *Engine) Get(ctx context.Context, id string) (*backend.Run, error) {
	return e.store.GetRun(ctx, id)
}

// CancelResult reports the outcome of a cancel request.
type CancelResult struct {
	// Cancelled is true when the request was accepted.
	Cancelled bool         `json:"cancelled"`
	Status    model.Status `json:"status"`
}

// Cancel requests cancellation of a run. Terminal runs are left unchanged.
// A pending run is cancelled directly. A running run held by this instance
// is terminated and Cancel returns once it is finalized; a run held by
// another instance is flagged and cancelled by its owner's heartbeat.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*CancelResult, error) {
	if reason == "" {
		reason = "cancelled by user"
	}

	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return &CancelResult{Cancelled: false, Status: run.Status}, nil
	}

	if err := e.state.persist(ctx, "RequestCancel", func() error { return e.store.RequestCancel(ctx, id, reason) }); err != nil {
		return nil, &stagehanderrors.TransientError{Component: "store", Cause: err}
	}

	if run.Status == model.StatusPending {
		next, err := e.state.transition(ctx, run, model.StatusCancelled, func(r *backend.Run) {
			r.CancelRequested = true
			r.CancelReason = reason
		})
		switch {
		case err == nil:
			e.hub.Finish(id)
			return &CancelResult{Cancelled: true, Status: next.Status}, nil
		case !errors.Is(err, backend.ErrStatusConflict):
			return nil, err
		}
		// Claimed meanwhile; treat as running.
		if run, err = e.store.GetRun(ctx, id); err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return &CancelResult{Cancelled: run.Status == model.StatusCancelled, Status: run.Status}, nil
		}
	}

	if ex := e.execution(id); ex != nil {
		ex.requestCancel(reason)
		select {
		case <-ex.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if run, err = e.store.GetRun(ctx, id); err != nil {
			return nil, err
		}
		return &CancelResult{Cancelled: run.Status == model.StatusCancelled, Status: run.Status}, nil
	}

	return &CancelResult{Cancelled: true, Status: run.Status}, nil
}

// Start recovers interrupted runs and starts the claim loops.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	loopCtx, stopLoops := context.WithCancel(workCtx)
	e.stopWork = stopWork
	e.stopLoops = stopLoops

	e.aux.Add(1)
	go func() {
		defer e.aux.Done()
		e.watchdog.Run(workCtx)
	}()

	if e.metrics != nil {
		e.aux.Add(1)
		go func() {
			defer e.aux.Done()
			e.sampleQueueDepth(loopCtx)
		}()
	}

	if e.maintenance != nil && e.cfg.CleanupInterval > 0 {
		e.aux.Add(1)
		go func() {
			defer e.aux.Done()
			e.cleanupScheduler(loopCtx)
		}()
	}

	for class := range e.classes {
		e.claimers.Add(1)
		go e.claimLoop(loopCtx, workCtx, class)
	}

	e.logger.Info("engine started",
		slog.Int("max_workers", e.cfg.MaxWorkers),
		slog.Any("classes", e.cfg.Classes))
	return nil
}

// StartDraining stops claiming new work and rejects submissions. Runs in
// flight continue.
func (e *Engine) StartDraining() {
	if e.draining.CompareAndSwap(false, true) {
		e.logger.Info("engine draining")
	}
	if e.stopLoops != nil {
		e.stopLoops()
	}
}

// IsDraining returns true if the engine is in draining mode.
func (e *Engine) IsDraining() bool {
	return e.draining.Load()
}

// ActiveRunCount returns the number of runs this instance is executing.
func (e *Engine) ActiveRunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// BusyWorkers returns the number of workers holding a job of the class.
func (e *Engine) BusyWorkers(class string) int {
	if b, ok := e.busy[class]; ok {
		return int(b.Load())
	}
	return 0
}

// WaitForDrain waits for all active runs to complete or until the timeout is reached.
func (e *Engine) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			remaining := e.ActiveRunCount()
			if remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still running", remaining)
			}
			return nil
		case <-ticker.C:
			if e.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}

// Stop drains the engine, cancels any runs still active and waits for the
// workers to exit. Returns an error if they don't finish within the context
// deadline.
func (e *Engine) Stop(ctx context.Context) error {
	e.StartDraining()

	done := make(chan struct{})
	go func() {
		// No new workers start once the claim loops have exited.
		e.claimers.Wait()

		e.mu.Lock()
		active := make([]*execution, 0, len(e.active))
		for _, ex := range e.active {
			active = append(active, ex)
		}
		e.mu.Unlock()
		for _, ex := range active {
			e.cancelForShutdown(ctx, ex)
		}

		e.workers.Wait()
		if e.stopWork != nil {
			e.stopWork()
		}
		e.aux.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		remaining := e.ActiveRunCount()
		if remaining > 0 {
			return fmt.Errorf("stop timeout: %d run(s) still running after cancellation", remaining)
		}
		return ctx.Err()
	}
}

// cancelForShutdown records the cancel request before signalling so the
// final record carries the reason even if the transition races the store.
func (e *Engine) cancelForShutdown(ctx context.Context, ex *execution) {
	const reason = "controller shutting down"
	ctx = context.WithoutCancel(ctx)
	err := e.state.persist(ctx, "RequestCancel", func() error {
		return e.store.RequestCancel(ctx, ex.runID, reason)
	})
	if err != nil {
		e.logger.Warn("failed to record shutdown cancel", slog.String("run_id", ex.runID), slog.Any("error", err))
	}
	ex.requestCancel(reason)
}

func (e *Engine) execution(id string) *execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[id]
}

func (e *Engine) register(ex *execution) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.active[ex.runID]; exists {
		return false
	}
	e.active[ex.runID] = ex
	return true
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	ex := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()
	if ex != nil {
		ex.finish()
	}
}
