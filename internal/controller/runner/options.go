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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stagehand/internal/controller/inventory"
	"github.com/tombee/stagehand/internal/controller/model"
)

// MetricsCollector defines the interface for recording engine metrics.
type MetricsCollector interface {
	RecordSubmit(queue string)
	RecordTransition(from, to model.Status)
	RecordRunComplete(status model.Status, duration time.Duration)
	RecordRetry(component string)
	RecordPersistenceError(operation string, err error)
	SetBusyWorkers(class string, n int)
	SetQueueDepth(class string, n int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for run.execute spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

// WithInventory resolves targets against a static inventory before a run
// starts.
func WithInventory(sel inventory.Selector) Option {
	return func(e *Engine) {
		e.inventory = sel
	}
}

// WithMaintenance sets the task executed for cleanup jobs.
func WithMaintenance(task MaintenanceTask) Option {
	return func(e *Engine) {
		e.maintenance = task
	}
}

// WithScheduleGate makes the cleanup scheduler skip ticks while gate
// returns false. Used to let only the elected leader schedule cleanup.
func WithScheduleGate(gate func() bool) Option {
	return func(e *Engine) {
		e.scheduleGate = gate
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}
