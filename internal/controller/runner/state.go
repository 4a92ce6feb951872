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
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/broadcast"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// ErrInvalidTransition is returned for a status change the lifecycle does
// not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// stateController owns every status change of a run record.
type stateController struct {
	store   backend.RunStore
	hub     *broadcast.Hub
	locks   *keyedMutex
	metrics MetricsCollector
	logger  *slog.Logger
	now     func() time.Time

	retryMax time.Duration
}

// persist runs op with bounded exponential backoff. Conflicts, missing
// records and validation problems are not retried.
func (c *stateController) persist(ctx context.Context, operation string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		var notFound *stagehanderrors.NotFoundError
		if errors.Is(err, backend.ErrStatusConflict) || errors.As(err, &notFound) || errors.Is(err, context.Canceled) {
			return struct{}{}, backoff.Permanent(err)
		}
		if c.metrics != nil {
			c.metrics.RecordPersistenceError(operation, err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(c.retryMax))
	return err
}

// transition moves run to status to. mutate may set outcome fields on the
// copy that is written. On success the written record is returned and one
// status event is published. A concurrent change yields
// backend.ErrStatusConflict and no event.
func (c *stateController) transition(ctx context.Context, run *backend.Run, to model.Status, mutate func(*backend.Run)) (*backend.Run, error) {
	unlock := c.locks.Lock(run.ID)
	defer unlock()

	from := run.Status
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := c.now().UTC()
	next := run.Clone()
	next.Status = to
	next.UpdatedAt = now
	if to == model.StatusRunning && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if mutate != nil {
		mutate(next)
	}
	if to.IsTerminal() {
		next.FinishedAt = &now
		next.DurationSeconds = 0
		if next.StartedAt != nil {
			next.DurationSeconds = now.Sub(*next.StartedAt).Seconds()
		}
		next.PID = 0
		next.Phase = ""
	}

	err := c.persist(ctx, "TransitionRun", func() error {
		return c.store.TransitionRun(ctx, next, from)
	})
	if err != nil {
		if !errors.Is(err, backend.ErrStatusConflict) {
			c.logger.Error("failed to persist transition",
				slog.String("run_id", run.ID),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
				slog.Any("error", err))
		}
		return nil, err
	}

	data := broadcast.StatusData{From: string(from), To: string(to), ExitCode: next.ExitCode, Error: next.Error}
	if to.IsTerminal() {
		d := next.DurationSeconds
		data.Duration = &d
	}
	c.hub.Publish(run.ID, broadcast.Event{Type: broadcast.EventStatus, Data: data})

	if c.metrics != nil {
		c.metrics.RecordTransition(from, to)
	}
	c.logger.Info("run status changed",
		slog.String("run_id", run.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))

	return next, nil
}

// appendError adds a line to the accumulated error detail.
func appendError(existing, msg string) string {
	if existing == "" {
		return msg
	}
	if strings.HasSuffix(existing, msg) {
		return existing
	}
	return existing + "\n" + msg
}
