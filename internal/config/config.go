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

// Package config loads stagehand daemon configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Queue class names used by the engine.
const (
	ClassRuns        = "runs"
	ClassMaintenance = "maintenance"
)

// Config represents the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Backend   BackendConfig   `yaml:"backend"`
	Queue     QueueConfig     `yaml:"queue"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Inventory InventoryConfig `yaml:"inventory"`
	Health    HealthConfig    `yaml:"health"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Auth      AuthConfig      `yaml:"auth"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Listen is the API address (default ":8321"). A "unix://" prefix
	// selects a Unix socket.
	Listen string `yaml:"listen"`

	// TLSCert and TLSKey enable HTTPS on TCP listeners when both are set.
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// ReadHeaderTimeout bounds request header reads.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// RateLimit is the sustained requests per second allowed per client.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// RateBurst is the token bucket size per client.
	RateBurst int `yaml:"rate_burst"`

	// CORSOrigins lists browser origins allowed to call the API. Empty
	// disables CORS headers.
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// EngineConfig configures execution: workers, timeouts, retries and files.
type EngineConfig struct {
	// InstanceID identifies this controller in run ownership. Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`

	// DataDir holds the sqlite database and run logs.
	DataDir string `yaml:"data_dir"`

	// AnsibleBinary is the executable spawned for each run.
	AnsibleBinary string `yaml:"ansible_binary"`

	// PlaybookDir is the working directory playbook paths are resolved against.
	PlaybookDir string `yaml:"playbook_dir"`

	// Env is appended to the process environment of every run.
	Env []string `yaml:"env"`

	// MaxWorkers is the global concurrency ceiling.
	MaxWorkers int `yaml:"max_workers"`

	// Classes maps queue class names to their concurrency ceiling.
	Classes map[string]int `yaml:"classes"`

	// defaultClasses is set while Classes holds the built-in limits rather
	// than ones the operator configured.
	defaultClasses bool

	// DefaultTimeout is the hard execution limit when a run sets none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// KillGrace is the wait between SIGTERM and SIGKILL.
	KillGrace time.Duration `yaml:"kill_grace"`

	// MaxRetries bounds re-delivery for transient infrastructure failures.
	MaxRetries int `yaml:"max_retries"`

	// RetryInitial is the first retry delay.
	RetryInitial time.Duration `yaml:"retry_initial"`

	// RetryMax caps the retry delay.
	RetryMax time.Duration `yaml:"retry_max"`

	// LeaseTimeout is how long a claimed job stays invisible without a heartbeat.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`

	// DrainTimeout bounds how long shutdown waits for in-flight runs.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// RetentionDays is used by the scheduled cleanup. Zero disables it.
	RetentionDays int `yaml:"retention_days"`

	// CleanupInterval is the period of the scheduled cleanup.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// SummaryQuery is the jq expression applied to JSON callback output.
	SummaryQuery string `yaml:"summary_query"`
}

// LogDir returns the directory holding per-run output logs.
func (e EngineConfig) LogDir() string {
	return filepath.Join(e.DataDir, "logs")
}

// BackendConfig selects the run record store.
type BackendConfig struct {
	// Type is "memory", "sqlite" or "postgres".
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	// Path defaults to <data_dir>/stagehand.db.
	Path string `yaml:"path"`
	WAL  bool   `yaml:"wal"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// QueueConfig selects the job queue.
type QueueConfig struct {
	// Type is "memory" or "jetstream".
	Type      string          `yaml:"type"`
	JetStream JetStreamConfig `yaml:"jetstream"`
}

// JetStreamConfig configures the NATS JetStream queue.
type JetStreamConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Replicas      int    `yaml:"replicas"`
}

// BroadcastConfig configures live event fan-out.
type BroadcastConfig struct {
	// ReplaySize is the per-run ring buffer capacity in events.
	ReplaySize int `yaml:"replay_size"`

	// SubscriberBuffer is the channel capacity for each subscriber.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// Linger keeps a finished run's ring for late joiners.
	Linger time.Duration `yaml:"linger"`

	// HeartbeatInterval is the SSE keep-alive period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// InventoryConfig points at the static host inventory.
type InventoryConfig struct {
	// Path is a YAML inventory file. Empty accepts any host name.
	Path string `yaml:"path"`
}

// Threshold is a warning/critical pair.
type Threshold struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// ThresholdsConfig holds the alert thresholds.
type ThresholdsConfig struct {
	CPU         Threshold `yaml:"cpu"`
	Memory      Threshold `yaml:"memory"`
	Disk        Threshold `yaml:"disk"`
	SuccessRate Threshold `yaml:"success_rate"`
}

// HealthConfig configures the health evaluator.
type HealthConfig struct {
	Interval       time.Duration    `yaml:"interval"`
	SuccessWindow  time.Duration    `yaml:"success_window"`
	ThresholdsFile string           `yaml:"thresholds_file"`
	Thresholds     ThresholdsConfig `yaml:"thresholds"`
}

// ArchiveConfig configures S3 log archival during cleanup.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// AuthConfig configures bearer token identity.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// Secret verifies HS256 tokens.
	Secret string `yaml:"secret"`
	// PublicKeyFile is a PEM Ed25519 public key that verifies EdDSA tokens.
	PublicKeyFile string        `yaml:"public_key_file"`
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Exporter is "none", "stdout", "otlp-http" or "otlp-grpc".
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            ":8321",
			ShutdownTimeout:   10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			RateLimit:         20,
			RateBurst:         40,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			DataDir:       defaultDataDir(),
			AnsibleBinary: "ansible-playbook",
			MaxWorkers:    10,
			Classes:        defaultClassLimits(),
			defaultClasses: true,
			DefaultTimeout:  30 * time.Minute,
			KillGrace:       10 * time.Second,
			MaxRetries:      3,
			RetryInitial:    time.Second,
			RetryMax:        time.Minute,
			LeaseTimeout:    2 * time.Minute,
			DrainTimeout:    5 * time.Minute,
			RetentionDays:   30,
			CleanupInterval: 24 * time.Hour,
			SummaryQuery:    ".stats",
		},
		Backend: BackendConfig{
			Type:     "sqlite",
			SQLite:   SQLiteConfig{WAL: true},
			Postgres: PostgresConfig{MaxConns: 10},
		},
		Queue: QueueConfig{
			Type: "memory",
			JetStream: JetStreamConfig{
				URL:           "nats://127.0.0.1:4222",
				Stream:        "STAGEHAND_JOBS",
				SubjectPrefix: "stagehand.jobs",
				Replicas:      1,
			},
		},
		Broadcast: BroadcastConfig{
			ReplaySize:        1000,
			SubscriberBuffer:  256,
			Linger:            2 * time.Minute,
			HeartbeatInterval: 15 * time.Second,
		},
		Health: HealthConfig{
			Interval:      30 * time.Second,
			SuccessWindow: 24 * time.Hour,
			Thresholds: ThresholdsConfig{
				CPU:         Threshold{Warning: 80, Critical: 95},
				Memory:      Threshold{Warning: 80, Critical: 95},
				Disk:        Threshold{Warning: 85, Critical: 95},
				SuccessRate: Threshold{Warning: 80, Critical: 50},
			},
		},
		Archive: ArchiveConfig{
			Region: "us-east-1",
			Prefix: "run-logs",
		},
		Auth: AuthConfig{
			ClockSkew: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "none",
			SampleRatio: 1.0,
			ServiceName: "stagehand",
		},
	}
}

// Load loads configuration from the given file path (optional), applies
// defaults to unset values, overrides from the environment and validates.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &stagehanderrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()
	cfg.Engine.clampDefaultClasses()

	if err := cfg.Validate(); err != nil {
		return nil, &stagehanderrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills zero values left by a partial YAML file.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = int(c.Server.RateLimit * 2)
	}

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	e := &c.Engine
	if e.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			e.InstanceID = host
		} else {
			e.InstanceID = "stagehand"
		}
	}
	if e.DataDir == "" {
		e.DataDir = d.Engine.DataDir
	}
	e.DataDir = expandHome(e.DataDir)
	if e.AnsibleBinary == "" {
		e.AnsibleBinary = d.Engine.AnsibleBinary
	}
	if e.MaxWorkers == 0 {
		e.MaxWorkers = d.Engine.MaxWorkers
	}
	if len(e.Classes) == 0 {
		e.Classes = d.Engine.Classes
		e.defaultClasses = true
	}
	if e.DefaultTimeout == 0 {
		e.DefaultTimeout = d.Engine.DefaultTimeout
	}
	if e.KillGrace == 0 {
		e.KillGrace = d.Engine.KillGrace
	}
	if e.RetryInitial == 0 {
		e.RetryInitial = d.Engine.RetryInitial
	}
	if e.RetryMax == 0 {
		e.RetryMax = d.Engine.RetryMax
	}
	if e.LeaseTimeout == 0 {
		e.LeaseTimeout = d.Engine.LeaseTimeout
	}
	if e.DrainTimeout == 0 {
		e.DrainTimeout = d.Engine.DrainTimeout
	}
	if e.CleanupInterval == 0 {
		e.CleanupInterval = d.Engine.CleanupInterval
	}
	if e.SummaryQuery == "" {
		e.SummaryQuery = d.Engine.SummaryQuery
	}

	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Backend.SQLite.Path == "" {
		c.Backend.SQLite.Path = filepath.Join(e.DataDir, "stagehand.db")
	}
	if c.Backend.Postgres.MaxConns == 0 {
		c.Backend.Postgres.MaxConns = d.Backend.Postgres.MaxConns
	}

	if c.Queue.Type == "" {
		c.Queue.Type = d.Queue.Type
	}
	js := &c.Queue.JetStream
	if js.URL == "" {
		js.URL = d.Queue.JetStream.URL
	}
	if js.Stream == "" {
		js.Stream = d.Queue.JetStream.Stream
	}
	if js.SubjectPrefix == "" {
		js.SubjectPrefix = d.Queue.JetStream.SubjectPrefix
	}
	if js.Replicas == 0 {
		js.Replicas = d.Queue.JetStream.Replicas
	}

	b := &c.Broadcast
	if b.ReplaySize == 0 {
		b.ReplaySize = d.Broadcast.ReplaySize
	}
	if b.SubscriberBuffer == 0 {
		b.SubscriberBuffer = d.Broadcast.SubscriberBuffer
	}
	if b.Linger == 0 {
		b.Linger = d.Broadcast.Linger
	}
	if b.HeartbeatInterval == 0 {
		b.HeartbeatInterval = d.Broadcast.HeartbeatInterval
	}

	h := &c.Health
	if h.Interval == 0 {
		h.Interval = d.Health.Interval
	}
	if h.SuccessWindow == 0 {
		h.SuccessWindow = d.Health.SuccessWindow
	}
	if h.Thresholds == (ThresholdsConfig{}) {
		h.Thresholds = d.Health.Thresholds
	}

	if c.Archive.Region == "" {
		c.Archive.Region = d.Archive.Region
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = d.Archive.Prefix
	}
	if c.Auth.ClockSkew == 0 {
		c.Auth.ClockSkew = d.Auth.ClockSkew
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = d.Tracing.ServiceName
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Decode classes into an empty map so file entries replace the
	// built-in limits instead of merging with them.
	c.Engine.Classes = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	c.Engine.defaultClasses = len(c.Engine.Classes) == 0
	if c.Engine.defaultClasses {
		c.Engine.Classes = defaultClassLimits()
	}

	return nil
}

func defaultClassLimits() map[string]int {
	return map[string]int{
		ClassRuns:        8,
		ClassMaintenance: 2,
	}
}

// clampDefaultClasses lowers built-in class limits to MaxWorkers. Limits
// from a config file are left for Validate to reject.
func (e *EngineConfig) clampDefaultClasses() {
	if !e.defaultClasses || e.MaxWorkers < 1 {
		return
	}
	for name, limit := range e.Classes {
		if limit > e.MaxWorkers {
			e.Classes[name] = e.MaxWorkers
		}
	}
}

// loadFromEnv loads configuration overrides from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("STAGEHAND_LISTEN"); val != "" {
		c.Server.Listen = val
	}
	if val := os.Getenv("STAGEHAND_RATE_LIMIT"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			c.Server.RateLimit = rate
		}
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("STAGEHAND_INSTANCE_ID"); val != "" {
		c.Engine.InstanceID = val
	}
	if val := os.Getenv("STAGEHAND_DATA_DIR"); val != "" {
		c.Engine.DataDir = expandHome(val)
	}
	if val := os.Getenv("STAGEHAND_ANSIBLE_BINARY"); val != "" {
		c.Engine.AnsibleBinary = val
	}
	if val := os.Getenv("STAGEHAND_PLAYBOOK_DIR"); val != "" {
		c.Engine.PlaybookDir = val
	}
	if val := os.Getenv("STAGEHAND_MAX_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.MaxWorkers = n
		}
	}
	if val := os.Getenv("STAGEHAND_DEFAULT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.DefaultTimeout = d
		}
	}
	if val := os.Getenv("STAGEHAND_KILL_GRACE"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Engine.KillGrace = d
		}
	}
	if val := os.Getenv("STAGEHAND_RETENTION_DAYS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Engine.RetentionDays = n
		}
	}

	if val := os.Getenv("STAGEHAND_BACKEND"); val != "" {
		c.Backend.Type = strings.ToLower(val)
	}
	if val := os.Getenv("STAGEHAND_SQLITE_PATH"); val != "" {
		c.Backend.SQLite.Path = val
	}
	if val := os.Getenv("STAGEHAND_POSTGRES_URL"); val != "" {
		c.Backend.Postgres.URL = val
	}

	if val := os.Getenv("STAGEHAND_QUEUE"); val != "" {
		c.Queue.Type = strings.ToLower(val)
	}
	if val := os.Getenv("NATS_URL"); val != "" {
		c.Queue.JetStream.URL = val
	}

	if val := os.Getenv("STAGEHAND_INVENTORY"); val != "" {
		c.Inventory.Path = val
	}
	if val := os.Getenv("STAGEHAND_THRESHOLDS_FILE"); val != "" {
		c.Health.ThresholdsFile = val
	}

	if val := os.Getenv("S3_ENDPOINT"); val != "" {
		c.Archive.Endpoint = val
	}
	if val := os.Getenv("S3_REGION"); val != "" {
		c.Archive.Region = val
	}
	if val := os.Getenv("S3_BUCKET"); val != "" {
		c.Archive.Bucket = val
	}
	if val := os.Getenv("S3_ACCESS_KEY"); val != "" {
		c.Archive.AccessKey = val
	}
	if val := os.Getenv("S3_SECRET_KEY"); val != "" {
		c.Archive.SecretKey = val
	}

	if val := os.Getenv("STAGEHAND_JWT_SECRET"); val != "" {
		c.Auth.Secret = val
		c.Auth.Enabled = true
	}

	if val := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}
	if val := os.Getenv("STAGEHAND_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Listen == "" {
		errs = append(errs, "server.listen is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("server.shutdown_timeout must be positive, got %v", c.Server.ShutdownTimeout))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, "server.tls_cert and server.tls_key must be set together")
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Sprintf("server.rate_limit must not be negative, got %v", c.Server.RateLimit))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	e := c.Engine
	if e.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("engine.max_workers must be at least 1, got %d", e.MaxWorkers))
	}
	if _, ok := e.Classes[ClassRuns]; !ok {
		errs = append(errs, fmt.Sprintf("engine.classes must define %q", ClassRuns))
	}
	for _, name := range sortedKeys(e.Classes) {
		limit := e.Classes[name]
		if limit < 1 {
			errs = append(errs, fmt.Sprintf("engine.classes.%s must be at least 1, got %d", name, limit))
		}
		if limit > e.MaxWorkers {
			errs = append(errs, fmt.Sprintf("engine.classes.%s (%d) exceeds engine.max_workers (%d)", name, limit, e.MaxWorkers))
		}
	}
	if e.DefaultTimeout < time.Second || e.DefaultTimeout > 24*time.Hour {
		errs = append(errs, fmt.Sprintf("engine.default_timeout must be between 1s and 24h, got %v", e.DefaultTimeout))
	}
	if e.KillGrace <= 0 {
		errs = append(errs, fmt.Sprintf("engine.kill_grace must be positive, got %v", e.KillGrace))
	}
	if e.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("engine.max_retries must not be negative, got %d", e.MaxRetries))
	}
	if e.RetryMax < e.RetryInitial {
		errs = append(errs, "engine.retry_max must not be less than engine.retry_initial")
	}
	if e.RetentionDays < 0 {
		errs = append(errs, fmt.Sprintf("engine.retention_days must not be negative, got %d", e.RetentionDays))
	}

	switch c.Backend.Type {
	case "memory", "sqlite":
	case "postgres":
		if c.Backend.Postgres.URL == "" {
			errs = append(errs, "backend.postgres.url is required when backend.type is postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite, postgres], got %q", c.Backend.Type))
	}

	switch c.Queue.Type {
	case "memory":
	case "jetstream":
		if c.Queue.JetStream.URL == "" {
			errs = append(errs, "queue.jetstream.url is required when queue.type is jetstream")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.type must be one of [memory, jetstream], got %q", c.Queue.Type))
	}

	if c.Broadcast.ReplaySize < 1 {
		errs = append(errs, fmt.Sprintf("broadcast.replay_size must be at least 1, got %d", c.Broadcast.ReplaySize))
	}
	if c.Broadcast.SubscriberBuffer < 1 {
		errs = append(errs, fmt.Sprintf("broadcast.subscriber_buffer must be at least 1, got %d", c.Broadcast.SubscriberBuffer))
	}

	t := c.Health.Thresholds
	for name, pair := range map[string]Threshold{"cpu": t.CPU, "memory": t.Memory, "disk": t.Disk} {
		if pair.Warning > pair.Critical {
			errs = append(errs, fmt.Sprintf("health.thresholds.%s.warning must not exceed critical", name))
		}
	}
	if t.SuccessRate.Warning < t.SuccessRate.Critical {
		errs = append(errs, "health.thresholds.success_rate.warning must not be below critical")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		errs = append(errs, "archive.bucket is required when archive is enabled")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" && c.Auth.PublicKeyFile == "" {
		errs = append(errs, "auth.secret or auth.public_key_file is required when auth is enabled")
	}

	switch c.Tracing.Exporter {
	case "none", "stdout", "otlp-http", "otlp-grpc":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter must be one of [none, stdout, otlp-http, otlp-grpc], got %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
