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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8321", cfg.Server.Listen)
	assert.Equal(t, 10, cfg.Engine.MaxWorkers)
	assert.Equal(t, 8, cfg.Engine.Classes[ClassRuns])
	assert.Equal(t, 2, cfg.Engine.Classes[ClassMaintenance])
	assert.Equal(t, 30*time.Minute, cfg.Engine.DefaultTimeout)
	assert.Equal(t, 10*time.Second, cfg.Engine.KillGrace)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 1000, cfg.Broadcast.ReplaySize)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "memory", cfg.Queue.Type)
	assert.Equal(t, 80.0, cfg.Health.Thresholds.CPU.Warning)
	assert.Equal(t, 50.0, cfg.Health.Thresholds.SuccessRate.Critical)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		errText string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Engine.MaxWorkers = 0 },
			errText: "engine.max_workers must be at least 1",
		},
		{
			name:    "class above global ceiling",
			modify:  func(c *Config) { c.Engine.Classes[ClassRuns] = 20 },
			errText: "engine.classes.runs (20) exceeds engine.max_workers (10)",
		},
		{
			name:    "missing runs class",
			modify:  func(c *Config) { c.Engine.Classes = map[string]int{ClassMaintenance: 1} },
			errText: `engine.classes must define "runs"`,
		},
		{
			name:    "postgres without url",
			modify:  func(c *Config) { c.Backend.Type = "postgres" },
			errText: "backend.postgres.url is required",
		},
		{
			name:    "unknown queue",
			modify:  func(c *Config) { c.Queue.Type = "redis" },
			errText: "queue.type must be one of",
		},
		{
			name:    "inverted cpu thresholds",
			modify:  func(c *Config) { c.Health.Thresholds.CPU = Threshold{Warning: 99, Critical: 90} },
			errText: "health.thresholds.cpu.warning must not exceed critical",
		},
		{
			name:    "inverted success rate thresholds",
			modify:  func(c *Config) { c.Health.Thresholds.SuccessRate = Threshold{Warning: 40, Critical: 60} },
			errText: "health.thresholds.success_rate.warning must not be below critical",
		},
		{
			name:    "archive without bucket",
			modify:  func(c *Config) { c.Archive.Enabled = true },
			errText: "archive.bucket is required",
		},
		{
			name:    "bad tracing exporter",
			modify:  func(c *Config) { c.Tracing.Exporter = "zipkin" },
			errText: "tracing.exporter must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.errText == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestLoad_FileWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen: "127.0.0.1:9000"
engine:
  data_dir: ` + dir + `
  max_workers: 4
  classes:
    runs: 3
    maintenance: 1
  kill_grace: 3s
backend:
  type: memory
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, 4, cfg.Engine.MaxWorkers)
	assert.Equal(t, 3, cfg.Engine.Classes[ClassRuns])
	assert.Equal(t, 3*time.Second, cfg.Engine.KillGrace)
	assert.Equal(t, 30*time.Minute, cfg.Engine.DefaultTimeout)
	assert.Equal(t, filepath.Join(dir, "stagehand.db"), cfg.Backend.SQLite.Path)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.Engine.LogDir())
	assert.NotEmpty(t, cfg.Engine.InstanceID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("STAGEHAND_MAX_WORKERS", "6")
	t.Setenv("STAGEHAND_KILL_GRACE", "2s")
	t.Setenv("STAGEHAND_BACKEND", "MEMORY")
	t.Setenv("STAGEHAND_JWT_SECRET", "s3cret")
	t.Setenv("S3_BUCKET", "logs")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Engine.MaxWorkers)
	assert.Equal(t, 6, cfg.Engine.Classes[ClassRuns])
	assert.Equal(t, 2, cfg.Engine.Classes[ClassMaintenance])
	assert.Equal(t, 2*time.Second, cfg.Engine.KillGrace)
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, "logs", cfg.Archive.Bucket)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ClassLimits(t *testing.T) {
	t.Run("defaults follow a smaller worker ceiling", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_workers: 1\n"), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ClassRuns: 1, ClassMaintenance: 1}, cfg.Engine.Classes)
	})

	t.Run("file classes replace defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  classes:\n    runs: 4\n"), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{ClassRuns: 4}, cfg.Engine.Classes)
	})

	t.Run("explicit class above ceiling is rejected", func(t *testing.T) {
		t.Setenv("STAGEHAND_MAX_WORKERS", "2")
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("engine:\n  classes:\n    runs: 5\n"), 0600))

		_, err := Load(path)
		var cfgErr *stagehanderrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "validation", cfgErr.Key)
		assert.ErrorContains(t, cfgErr.Cause, "engine.classes.runs (5) exceeds engine.max_workers (2)")
	})
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		var cfgErr *stagehanderrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "config_file", cfgErr.Key)
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("queue:\n  type: kafka\n"), 0600))

		_, err := Load(path)
		var cfgErr *stagehanderrors.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "validation", cfgErr.Key)
		assert.True(t, strings.Contains(err.Error(), "configuration validation failed"))
	})
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stagehand"), got)

	assert.Equal(t, "/etc/stagehand.yaml", ResolvePath("/etc/stagehand.yaml"))
	assert.Equal(t, "", ResolvePath(""), "no file in the config dir")

	path := filepath.Join(dir, "stagehand", "stagehandd.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_workers: 2\n"), 0o600))
	assert.Equal(t, path, ResolvePath(""))
}
