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

// Package metrics exposes the controller's Prometheus metrics.
//
// Metrics are registered with the default registry, so promhttp.Handler
// serves them alongside the Go runtime collectors.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombee/stagehand/internal/controller/health"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

var (
	// persistenceErrors tracks failed store operations
	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_persistence_errors_total",
			Help: "Total persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)

	// runsSubmitted tracks accepted submissions by queue class
	runsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_runs_submitted_total",
			Help: "Total runs accepted by queue class",
		},
		[]string{"queue"},
	)

	// runTransitions tracks persisted status changes
	runTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_run_transitions_total",
			Help: "Total run status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	// runsFinished tracks runs reaching a terminal status
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_runs_finished_total",
			Help: "Total runs finished by terminal status",
		},
		[]string{"status"},
	)

	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stagehand_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	retries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stagehand_retries_total",
			Help: "Total retries of transient failures by component",
		},
		[]string{"component"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_queue_depth",
			Help: "Jobs waiting in each queue class",
		},
		[]string{"queue"},
	)

	busyWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_busy_workers",
			Help: "Workers currently executing a job by queue class",
		},
		[]string{"queue"},
	)

	subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stagehand_event_subscribers",
			Help: "Live event stream subscribers across all runs",
		},
	)

	droppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stagehand_event_subscribers_dropped_total",
			Help: "Total subscribers dropped for not keeping up",
		},
	)

	activeAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stagehand_health_active_alerts",
			Help: "Active health alerts by type and severity",
		},
		[]string{"type", "severity"},
	)
)

// Collector records engine, broadcast and health metrics. The zero value is
// ready to use.
type Collector struct{}

// NewCollector returns a Collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordSubmit counts an accepted run.
func (c *Collector) RecordSubmit(queue string) {
	runsSubmitted.WithLabelValues(queue).Inc()
}

// RecordTransition counts a persisted status change.
func (c *Collector) RecordTransition(from, to model.Status) {
	runTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordRunComplete counts a finished run and observes its duration.
func (c *Collector) RecordRunComplete(status model.Status, duration time.Duration) {
	runsFinished.WithLabelValues(string(status)).Inc()
	runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordRetry counts one retry against component.
func (c *Collector) RecordRetry(component string) {
	retries.WithLabelValues(component).Inc()
}

// RecordPersistenceError counts a failed store operation. operation is the
// store method, e.g. CreateRun or TransitionRun.
func (c *Collector) RecordPersistenceError(operation string, err error) {
	persistenceErrors.WithLabelValues(operation, ErrorType(err)).Inc()
}

// SetBusyWorkers sets the busy worker gauge for class.
func (c *Collector) SetBusyWorkers(class string, n int) {
	busyWorkers.WithLabelValues(class).Set(float64(n))
}

// SetQueueDepth sets the queue depth gauge for class.
func (c *Collector) SetQueueDepth(class string, n int) {
	queueDepth.WithLabelValues(class).Set(float64(n))
}

// SetSubscribers sets the live subscriber gauge.
func (c *Collector) SetSubscribers(n int) {
	subscribers.Set(float64(n))
}

// RecordDroppedSubscriber counts a slow subscriber being dropped.
func (c *Collector) RecordDroppedSubscriber() {
	droppedSubscribers.Inc()
}

// SetActiveAlerts replaces the active alert gauges.
func (c *Collector) SetActiveAlerts(alerts []health.Alert) {
	activeAlerts.Reset()
	for _, a := range alerts {
		activeAlerts.WithLabelValues(a.Type, a.Severity).Inc()
	}
}

// ErrorType maps err to a short label value.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	}
	return stagehanderrors.TypeOf(err)
}
