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

// Package api serves the controller's HTTP API.
//
// Routes are mounted on a chi router. Every handler resolves the caller
// through the auth middleware and maps service errors to status codes in
// writeServiceError.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tombee/stagehand/internal/controller/auth"
	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/broadcast"
	"github.com/tombee/stagehand/internal/controller/health"
	"github.com/tombee/stagehand/internal/controller/inventory"
	"github.com/tombee/stagehand/internal/controller/middleware"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/options"
	"github.com/tombee/stagehand/internal/controller/runner"
	"github.com/tombee/stagehand/internal/controller/stats"
	stagehandlog "github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/tracing"
)

// RunService admits and controls runs.
type RunService interface {
	Submit(ctx context.Context, opts *model.Options, userID string) (*backend.Run, error)
	Get(ctx context.Context, id string) (*backend.Run, error)
	Cancel(ctx context.Context, id, reason string) (*runner.CancelResult, error)
	IsDraining() bool
}

// HistoryService answers read-only queries over run records.
type HistoryService interface {
	History(ctx context.Context, q stats.Query) (*stats.Page, error)
	Statistics(ctx context.Context, q stats.StatsQuery) (*stats.Report, error)
	Export(ctx context.Context, q stats.ExportQuery, w io.Writer) (int, error)
}

// Cleaner applies retention.
type Cleaner interface {
	Cleanup(ctx context.Context, req stats.CleanupRequest) (*stats.CleanupResult, error)
}

// HealthService serves health snapshots and threshold changes.
type HealthService interface {
	Snapshot(ctx context.Context) *health.Report
	Thresholds() health.Thresholds
	UpdateThresholds(t health.Thresholds) error
}

// EventSource hands out live run subscriptions.
type EventSource interface {
	Subscribe(runID string) *broadcast.Subscription
}

// Config holds configuration for the API router.
type Config struct {
	Version   string
	Commit    string
	BuildDate string

	Auth      auth.Config
	RateLimit middleware.RateLimitConfig
	CORS      middleware.CORSConfig
	Limits    options.Limits

	// RequestTimeout bounds non-streaming requests (default 60s).
	RequestTimeout time.Duration
	// StreamHeartbeat is the SSE keep-alive interval (default 15s).
	StreamHeartbeat time.Duration
	// MaxBodyBytes caps request bodies (default 1 MiB).
	MaxBodyBytes int64
}

// Deps are the services behind the API. Runs and Events are required.
type Deps struct {
	Runs      RunService
	History   HistoryService
	Cleaner   Cleaner
	Health    HealthService
	Events    EventSource
	Inventory inventory.Lookup
	Metrics   http.Handler
	Limiter   *middleware.RateLimiter
	Logger    *slog.Logger
}

// Router builds the HTTP handler.
type Router struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// NewRouter creates a Router, applying defaults to cfg.
func NewRouter(cfg Config, deps Deps) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if deps.Inventory == nil {
		deps.Inventory = inventory.AllowAll{}
	}
	if deps.Limiter == nil {
		deps.Limiter = middleware.NewRateLimiter(cfg.RateLimit)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	return &Router{cfg: cfg, deps: deps, logger: stagehandlog.WithComponent(logger, "api")}
}

// Handler returns the root handler with every route and middleware mounted.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(tracing.HTTPMiddleware)
	r.Use(stagehandlog.HTTPMiddleware(rt.logger))
	r.Use(middleware.CORS(rt.cfg.CORS))
	r.Use(auth.NewMiddleware(rt.cfg.Auth).Wrap)
	r.Use(rt.deps.Limiter.Middleware)

	r.Get("/healthz", rt.handleHealthz)
	if rt.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		// Streaming routes are exempt from the request timeout.
		r.Get("/runs/{id}/events", rt.handleEvents)
		r.Get("/runs/{id}/log", rt.handleLog)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(rt.cfg.RequestTimeout))

			r.Post("/runs", rt.handleSubmit)
			r.Get("/runs", rt.handleHistory)
			r.Get("/runs/{id}", rt.handleStatus)
			r.Get("/runs/{id}/result", rt.handleResult)
			r.Post("/runs/{id}/cancel", rt.handleCancel)

			r.Get("/stats", rt.handleStats)
			r.Get("/export", rt.handleExport)
			r.Post("/maintenance/cleanup", rt.handleCleanup)

			r.Get("/health", rt.handleHealth)
			r.Put("/health/thresholds", rt.handleUpdateThresholds)
			r.Get("/version", rt.handleVersion)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
