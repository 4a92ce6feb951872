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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/lifecycle"
	"github.com/tombee/stagehand/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the YAML config file. Empty uses defaults and the
	// environment only.
	ConfigPath string

	// Config overrides
	Listen     string
	Backend    string
	Queue      string
	DataDir    string
	InstanceID string
	Inventory  string
}

// Run starts the controller and blocks until SIGINT or SIGTERM, then drains
// and shuts down.
func Run(opts RunOptions) error {
	cfg, err := config.Load(config.ResolvePath(opts.ConfigPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Backend != "" {
		cfg.Backend.Type = opts.Backend
	}
	if opts.Queue != "" {
		cfg.Queue.Type = opts.Queue
	}
	if opts.DataDir != "" {
		if cfg.Backend.SQLite.Path == filepath.Join(cfg.Engine.DataDir, "stagehand.db") {
			cfg.Backend.SQLite.Path = filepath.Join(opts.DataDir, "stagehand.db")
		}
		cfg.Engine.DataDir = opts.DataDir
	}
	if opts.InstanceID != "" {
		cfg.Engine.InstanceID = opts.InstanceID
	}
	if opts.Inventory != "" {
		cfg.Inventory.Path = opts.Inventory
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	lock, err := lifecycle.LockDir(cfg.Engine.DataDir, os.Getpid())
	if err != nil {
		return fmt.Errorf("failed to lock data directory %s: %w", cfg.Engine.DataDir, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release data directory lock", log.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := New(ctx, cfg, Options{
		Version:   opts.Version,
		Commit:    opts.Commit,
		BuildDate: opts.BuildDate,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create controller", log.Error(err))
		return fmt.Errorf("failed to create controller: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		// A second signal skips the drain.
		stop()
		shutdownCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", log.Error(err))
			return fmt.Errorf("shutdown error: %w", err)
		}
		if err := <-errCh; err != nil {
			return fmt.Errorf("controller error: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("controller error", log.Error(err))
			_ = c.Shutdown(context.Background())
			return fmt.Errorf("controller error: %w", err)
		}
		return nil
	}
}
