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

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/archive"
	"github.com/tombee/stagehand/internal/controller/auth"
	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/backend/memory"
	"github.com/tombee/stagehand/internal/controller/backend/postgres"
	"github.com/tombee/stagehand/internal/controller/backend/sqlite"
	"github.com/tombee/stagehand/internal/controller/broadcast"
	"github.com/tombee/stagehand/internal/controller/health"
	"github.com/tombee/stagehand/internal/controller/inventory"
	"github.com/tombee/stagehand/internal/controller/leader"
	"github.com/tombee/stagehand/internal/controller/listener"
	"github.com/tombee/stagehand/internal/controller/metrics"
	"github.com/tombee/stagehand/internal/controller/middleware"
	"github.com/tombee/stagehand/internal/controller/options"
	"github.com/tombee/stagehand/internal/controller/process"
	"github.com/tombee/stagehand/internal/controller/queue"
	"github.com/tombee/stagehand/internal/controller/runner"
	"github.com/tombee/stagehand/internal/controller/stats"
	internallog "github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/tracing"
)

// Options contains controller options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// Logger overrides the logger built from configuration.
	Logger *slog.Logger
}

// Controller owns every subsystem of one stagehandd process.
type Controller struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend    backend.Backend
	queue      queue.Queue
	hub        *broadcast.Hub
	engine     *runner.Engine
	aggregator *stats.Aggregator
	janitor    *stats.Janitor
	health     *health.Evaluator
	limiter    *middleware.RateLimiter
	tracer     *tracing.Provider
	elector    *leader.Elector
	router     *api.Router

	server *http.Server

	mu       sync.Mutex
	started  bool
	ln       net.Listener
	ready    chan struct{}
	stopBg   context.CancelFunc
	bg       *errgroup.Group
	shutdown bool
}

// New builds a controller from cfg. Nothing is started.
func New(ctx context.Context, cfg *config.Config, opts Options) (c *Controller, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(&internallog.Config{
			Level:     cfg.Log.Level,
			Format:    internallog.Format(cfg.Log.Format),
			AddSource: cfg.Log.AddSource,
		})
	}
	logger = internallog.WithComponent(logger, "controller")

	c = &Controller{cfg: cfg, opts: opts, logger: logger, ready: make(chan struct{})}
	// Error returns nil out c, so release through a separate reference.
	partial := c
	defer func() {
		if err != nil {
			partial.closeResources(context.Background())
		}
	}()

	logDir := cfg.Engine.LogDir()
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if c.tracer, err = tracing.NewProvider(ctx, cfg.Tracing, opts.Version); err != nil {
		return nil, fmt.Errorf("failed to initialise tracing: %w", err)
	}

	if err := c.openBackend(ctx); err != nil {
		return nil, err
	}
	if err := c.openQueue(ctx); err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()

	c.hub = broadcast.NewHub(broadcast.Config{
		ReplaySize:       cfg.Broadcast.ReplaySize,
		SubscriberBuffer: cfg.Broadcast.SubscriberBuffer,
		Linger:           cfg.Broadcast.Linger,
	}, logger)
	c.hub.Observe(collector)

	var lookup inventory.Lookup = inventory.AllowAll{}
	var inv *inventory.Static
	if cfg.Inventory.Path != "" {
		if inv, err = inventory.Load(cfg.Inventory.Path); err != nil {
			return nil, fmt.Errorf("failed to load inventory: %w", err)
		}
		lookup = inv
	}

	procs, err := process.NewRunner(process.Config{
		Binary:        cfg.Engine.AnsibleBinary,
		Dir:           cfg.Engine.PlaybookDir,
		Env:           cfg.Engine.Env,
		InventoryPath: cfg.Inventory.Path,
		SummaryQuery:  cfg.Engine.SummaryQuery,
	}, logger)
	if err != nil {
		return nil, err
	}

	c.aggregator = stats.NewAggregator(c.backend)

	janitorOpts := []stats.JanitorOption{stats.WithJanitorLogger(logger)}
	archiver, err := archive.New(ctx, cfg.Archive, logger)
	switch {
	case errors.Is(err, archive.ErrDisabled):
	case err != nil:
		return nil, fmt.Errorf("failed to initialise log archive: %w", err)
	default:
		janitorOpts = append(janitorOpts, stats.WithArchiver(archiver))
	}
	c.janitor = stats.NewJanitor(c.backend, logDir, cfg.Engine.RetentionDays, janitorOpts...)

	engineOpts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithMetrics(collector),
		runner.WithTracer(c.tracer.Tracer("github.com/tombee/stagehand/runner")),
		runner.WithMaintenance(c.janitor.Run),
	}
	if inv != nil {
		engineOpts = append(engineOpts, runner.WithInventory(inv))
	}
	if pg, ok := c.backend.(*postgres.Backend); ok {
		locker, err := leader.NewPgLocker(ctx, pg.Pool())
		if err != nil {
			return nil, fmt.Errorf("failed to open leader election session: %w", err)
		}
		c.elector = leader.NewElector(leader.Config{
			Locker:     locker,
			InstanceID: cfg.Engine.InstanceID,
			Logger:     logger,
		})
		engineOpts = append(engineOpts, runner.WithScheduleGate(c.elector.IsLeader))
	}
	c.engine = runner.New(runner.ConfigFromEngine(cfg.Engine), c.backend, c.queue, procs, c.hub, engineOpts...)

	c.health = health.NewEvaluator(health.Config{
		Interval:      cfg.Health.Interval,
		SuccessWindow: cfg.Health.SuccessWindow,
		Thresholds:    health.ThresholdsFromConfig(cfg.Health.Thresholds),
	}, &health.HostSampler{Path: logDir}, c.aggregator,
		health.WithLogger(logger),
		health.WithAlertRecorder(collector))

	c.limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Server.RateLimit,
		BurstSize:         cfg.Server.RateBurst,
	})

	jwtCfg, err := auth.JWTConfigFromAuth(cfg.Auth)
	if err != nil {
		return nil, err
	}

	c.router = api.NewRouter(api.Config{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
		Auth: auth.Config{
			Enabled: cfg.Auth.Enabled,
			JWT:     jwtCfg,
			Logger:  logger,
		},
		CORS:            middleware.CORSFromOrigins(cfg.Server.CORSOrigins),
		Limits:          options.LimitsFromConfig(cfg.Engine),
		StreamHeartbeat: cfg.Broadcast.HeartbeatInterval,
	}, api.Deps{
		Runs:      c.engine,
		History:   c.aggregator,
		Cleaner:   c.janitor,
		Health:    c.health,
		Events:    c.hub,
		Inventory: lookup,
		Metrics:   promhttp.Handler(),
		Limiter:   c.limiter,
		Logger:    logger,
	})

	c.server = &http.Server{
		Handler:           c.router.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return c, nil
}

func (c *Controller) openBackend(ctx context.Context) error {
	switch c.cfg.Backend.Type {
	case "memory":
		c.backend = memory.New()
	case "postgres":
		be, err := postgres.New(ctx, postgres.Config{
			ConnectionString: c.cfg.Backend.Postgres.URL,
			MaxConns:         c.cfg.Backend.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres backend: %w", err)
		}
		c.backend = be
	default:
		be, err := sqlite.New(sqlite.Config{
			Path: c.cfg.Backend.SQLite.Path,
			WAL:  c.cfg.Backend.SQLite.WAL,
		})
		if err != nil {
			return fmt.Errorf("failed to open sqlite backend: %w", err)
		}
		c.backend = be
	}
	c.logger.Info("run store opened", slog.String("type", c.cfg.Backend.Type))
	return nil
}

func (c *Controller) openQueue(ctx context.Context) error {
	switch c.cfg.Queue.Type {
	case "jetstream":
		q, err := queue.NewJetStreamQueue(ctx, c.cfg.Queue.JetStream, c.cfg.Engine.LeaseTimeout, c.logger)
		if err != nil {
			return fmt.Errorf("failed to connect job queue: %w", err)
		}
		c.queue = q
	default:
		c.queue = queue.NewMemoryQueue(c.cfg.Engine.LeaseTimeout)
	}
	c.logger.Info("job queue opened", slog.String("type", c.cfg.Queue.Type))
	return nil
}

// Start recovers interrupted runs, starts the background loops and serves
// the API. It blocks until Shutdown is called or a loop fails.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	ln, err := listener.New(c.cfg.Server)
	if err != nil {
		_ = c.engine.Stop(ctx)
		return err
	}
	if ln.Addr().Network() == "tcp" && listener.IsRemote(ln.Addr().String()) && !c.cfg.Auth.Enabled {
		c.logger.Warn("API is reachable from the network without authentication",
			slog.String("addr", ln.Addr().String()))
	}

	bgCtx, stopBg := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(bgCtx)

	c.mu.Lock()
	c.ln = ln
	c.stopBg = stopBg
	c.bg = g
	close(c.ready)
	c.mu.Unlock()

	if c.elector != nil {
		c.elector.Start(gctx)
	}
	g.Go(func() error {
		c.limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.health.Run(gctx)
		return nil
	})
	if path := c.cfg.Health.ThresholdsFile; path != "" {
		if err := c.health.WatchThresholds(gctx, path); err != nil {
			c.logger.Warn("thresholds file not watched", slog.String("path", path), internallog.Error(err))
		}
	}

	c.logger.Info("controller listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("version", c.opts.Version),
		slog.String("instance_id", c.cfg.Engine.InstanceID))

	serveErr := c.server.Serve(ln)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	stopBg()
	if err := g.Wait(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Addr waits for the listener and returns its address.
func (c *Controller) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-c.ready:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ln.Addr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown drains in-flight runs, stops the engine and the HTTP server, and
// closes the store and queue.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	c.logger.Info("graceful shutdown initiated", slog.Int("active_runs", c.engine.ActiveRunCount()))

	c.engine.StartDraining()
	c.server.SetKeepAlivesEnabled(false)

	drainTimeout := c.cfg.Engine.DrainTimeout
	if err := c.engine.WaitForDrain(ctx, drainTimeout); err != nil {
		c.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_runs", c.engine.ActiveRunCount()),
			slog.Duration("drain_timeout", drainTimeout))
	} else {
		c.logger.Info("all runs completed during drain")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Engine.KillGrace*2+5*time.Second)
	defer cancel()
	if err := c.engine.Stop(stopCtx); err != nil {
		c.logger.Warn("engine stop timeout", internallog.Error(err))
	}

	// Closing the hub ends every open event stream before the server waits
	// on its connections.
	c.hub.Close()
	httpCtx, httpCancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Server.ShutdownTimeout)
	defer httpCancel()
	var errs []error
	if err := c.server.Shutdown(httpCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		_ = c.server.Close()
	}

	c.mu.Lock()
	stopBg := c.stopBg
	c.mu.Unlock()
	if stopBg != nil {
		stopBg()
	}
	if c.elector != nil {
		c.elector.Stop()
	}

	errs = append(errs, c.closeResources(ctx)...)
	c.logger.Info("controller stopped")
	return errors.Join(errs...)
}

func (c *Controller) closeResources(ctx context.Context) []error {
	var errs []error
	if c.hub != nil {
		c.hub.Close()
	}
	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue close: %w", err))
		}
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if c.tracer != nil {
		if err := c.tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	return errs
}
