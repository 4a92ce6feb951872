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

// Package memory provides an in-memory backend implementation.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// Backend is an in-memory storage backend. Records are copied on the way
// in and out so callers never share memory with the store.
type Backend struct {
	mu   sync.RWMutex
	runs map[string]*backend.Run
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs: make(map[string]*backend.Run),
	}
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}

	stored := run.Clone()
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	b.runs[run.ID] = stored
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &stagehanderrors.NotFoundError{Resource: "run", ID: id}
	}
	return run.Clone(), nil
}

// UpdateRun writes progress fields, leaving status and cancel flags alone.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.runs[run.ID]
	if !ok {
		return &stagehanderrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	if stored.Status.IsTerminal() {
		return nil
	}

	stored.Summary = run.Summary.Clone()
	stored.StdoutLines = run.StdoutLines
	stored.StderrLines = run.StderrLines
	stored.Phase = run.Phase
	stored.LogPath = run.LogPath
	stored.Error = run.Error
	stored.Attempts = run.Attempts
	stored.WorkerID = run.WorkerID
	stored.PID = run.PID
	stored.UpdatedAt = time.Now()
	return nil
}

// TransitionRun replaces the record if its stored status equals from.
func (b *Backend) TransitionRun(ctx context.Context, run *backend.Run, from model.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.runs[run.ID]
	if !ok {
		return &stagehanderrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	if stored.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", backend.ErrStatusConflict, run.ID, stored.Status, from)
	}

	next := run.Clone()
	if !next.CancelRequested {
		next.CancelRequested = stored.CancelRequested
		next.CancelReason = stored.CancelReason
	}
	next.UpdatedAt = time.Now()
	b.runs[run.ID] = next
	return nil
}

// RequestCancel flags a run for cancellation.
func (b *Backend) RequestCancel(ctx context.Context, id, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored, ok := b.runs[id]
	if !ok {
		return &stagehanderrors.NotFoundError{Resource: "run", ID: id}
	}
	stored.CancelRequested = true
	stored.CancelReason = reason
	stored.UpdatedAt = time.Now()
	return nil
}

// ListRuns lists runs matching the filter.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, int, error) {
	b.mu.RLock()
	matched := make([]*backend.Run, 0, len(b.runs))
	for _, run := range b.runs {
		if filter.Matches(run) {
			matched = append(matched, run.Clone())
		}
	}
	b.mu.RUnlock()

	backend.SortRuns(matched, filter)
	return backend.Page(matched, filter), len(matched), nil
}

// DeleteRun deletes a run by ID.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.runs[id]; !ok {
		return &stagehanderrors.NotFoundError{Resource: "run", ID: id}
	}
	delete(b.runs, id)
	return nil
}

// Close is a no-op for the memory backend.
func (b *Backend) Close() error {
	return nil
}
