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

// Package health samples host resources and the recent run success rate and
// turns them into alerts against configurable thresholds.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Alert types.
const (
	AlertCPU         = "cpu"
	AlertMemory      = "memory"
	AlertDisk        = "disk"
	AlertSuccessRate = "success_rate"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Overall statuses.
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusUnknown  = "unknown"
)

// Alert is one threshold crossed by the latest sample.
type Alert struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SuccessRateSource reports the success rate over a trailing window and
// how many terminal runs it covers.
type SuccessRateSource interface {
	SuccessRate(ctx context.Context, window time.Duration) (float64, int, error)
}

// AlertRecorder receives the active alerts after each evaluation.
type AlertRecorder interface {
	SetActiveAlerts(alerts []Alert)
}

// Report is the health snapshot served to clients.
type Report struct {
	Status      string     `json:"status"`
	Resources   Resources  `json:"resources"`
	SuccessRate *float64   `json:"success_rate,omitempty"`
	Terminal    int        `json:"terminal_runs"`
	Alerts      []Alert    `json:"alerts"`
	Thresholds  Thresholds `json:"thresholds"`
	Error       string     `json:"error,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Config configures an Evaluator.
type Config struct {
	Interval      time.Duration
	SuccessWindow time.Duration
	Thresholds    Thresholds
}

// Evaluator periodically samples and evaluates health.
type Evaluator struct {
	cfg      Config
	sampler  Sampler
	rates    SuccessRateSource
	recorder AlertRecorder
	logger   *slog.Logger
	now      func() time.Time

	thMu       sync.RWMutex
	thresholds Thresholds

	snapMu sync.RWMutex
	last   *Report
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// WithAlertRecorder publishes active alerts, e.g. as metrics.
func WithAlertRecorder(r AlertRecorder) Option {
	return func(e *Evaluator) { e.recorder = r }
}

// NewEvaluator creates an Evaluator. rates may be nil, in which case the
// success rate is not evaluated.
func NewEvaluator(cfg Config, sampler Sampler, rates SuccessRateSource, opts ...Option) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SuccessWindow <= 0 {
		cfg.SuccessWindow = 24 * time.Hour
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}

	e := &Evaluator{
		cfg:        cfg,
		sampler:    sampler,
		rates:      rates,
		now:        time.Now,
		thresholds: cfg.Thresholds,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("component", "health"))
	return e
}

// Thresholds returns the current thresholds.
func (e *Evaluator) Thresholds() Thresholds {
	e.thMu.RLock()
	defer e.thMu.RUnlock()
	return e.thresholds
}

// UpdateThresholds validates and applies t. The next evaluation uses it.
func (e *Evaluator) UpdateThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.thMu.Lock()
	e.thresholds = t
	e.thMu.Unlock()
	e.logger.Info("health thresholds updated",
		slog.Float64("cpu_warning", t.CPU.Warning),
		slog.Float64("memory_warning", t.Memory.Warning),
		slog.Float64("disk_warning", t.Disk.Warning),
		slog.Float64("success_rate_warning", t.SuccessRate.Warning))
	return nil
}

// Run evaluates immediately and then every interval until ctx is done.
func (e *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check samples, evaluates and stores a new snapshot.
func (e *Evaluator) Check(ctx context.Context) *Report {
	now := e.now().UTC()
	th := e.Thresholds()
	report := &Report{Thresholds: th, Timestamp: now, Alerts: []Alert{}}

	var sampled *Resources
	if res, err := e.sampler.Sample(ctx); err != nil {
		e.logger.Warn("resource sampling failed", slog.Any("error", err))
		report.Error = err.Error()
	} else {
		report.Resources = res
		sampled = &res
	}

	var rate *float64
	if e.rates != nil {
		r, n, err := e.rates.SuccessRate(ctx, e.cfg.SuccessWindow)
		switch {
		case err != nil:
			e.logger.Warn("success rate unavailable", slog.Any("error", err))
			if report.Error == "" {
				report.Error = err.Error()
			}
		case n > 0:
			rate = &r
		}
		report.Terminal = n
	}
	report.SuccessRate = rate

	report.Alerts = Evaluate(th, sampled, rate, now)
	report.Status = overall(report)

	if e.recorder != nil {
		e.recorder.SetActiveAlerts(report.Alerts)
	}
	for _, a := range report.Alerts {
		e.logger.Warn("health alert", slog.String("type", a.Type), slog.String("severity", a.Severity), slog.String("message", a.Message))
	}

	e.snapMu.Lock()
	e.last = report
	e.snapMu.Unlock()
	return report
}

// Snapshot returns the latest report, evaluating once if none exists yet.
func (e *Evaluator) Snapshot(ctx context.Context) *Report {
	e.snapMu.RLock()
	last := e.last
	e.snapMu.RUnlock()
	if last != nil {
		out := *last
		out.Thresholds = e.Thresholds()
		return &out
	}
	return e.Check(ctx)
}

// Evaluate compares one sample with the thresholds. A nil res skips the
// resource checks; a nil rate means there were no terminal runs to judge.
func Evaluate(th Thresholds, res *Resources, rate *float64, now time.Time) []Alert {
	alerts := []Alert{}
	rising := func(typ, label string, value float64, t Threshold) {
		switch {
		case value >= t.Critical:
			alerts = append(alerts, newAlert(typ, SeverityCritical, value, t.Critical, now,
				fmt.Sprintf("%s usage %.1f%% is at or above the critical threshold %.1f%%", label, value, t.Critical)))
		case value >= t.Warning:
			alerts = append(alerts, newAlert(typ, SeverityWarning, value, t.Warning, now,
				fmt.Sprintf("%s usage %.1f%% is at or above the warning threshold %.1f%%", label, value, t.Warning)))
		}
	}
	if res != nil {
		rising(AlertCPU, "CPU", res.CPUPercent, th.CPU)
		rising(AlertMemory, "Memory", res.MemoryPercent, th.Memory)
		rising(AlertDisk, "Disk", res.DiskPercent, th.Disk)
	}

	if rate != nil {
		t := th.SuccessRate
		switch {
		case *rate <= t.Critical:
			alerts = append(alerts, newAlert(AlertSuccessRate, SeverityCritical, *rate, t.Critical, now,
				fmt.Sprintf("Success rate %.2f%% is at or below the critical threshold %.1f%%", *rate, t.Critical)))
		case *rate <= t.Warning:
			alerts = append(alerts, newAlert(AlertSuccessRate, SeverityWarning, *rate, t.Warning, now,
				fmt.Sprintf("Success rate %.2f%% is at or below the warning threshold %.1f%%", *rate, t.Warning)))
		}
	}
	return alerts
}

func newAlert(typ, severity string, value, threshold float64, now time.Time, msg string) Alert {
	return Alert{Type: typ, Severity: severity, Value: value, Threshold: threshold, Message: msg, Timestamp: now}
}

func overall(r *Report) string {
	status := StatusOK
	for _, a := range r.Alerts {
		if a.Severity == SeverityCritical {
			return StatusCritical
		}
		status = StatusWarning
	}
	if r.Error != "" && status == StatusOK {
		return StatusUnknown
	}
	return status
}
