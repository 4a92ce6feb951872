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

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.RunStore  = (*Backend)(nil)
	_ backend.RunLister = (*Backend)(nil)
	_ backend.Backend   = (*Backend)(nil)
)

// timeLayout is fixed-width so that text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // lets cleanup reclaim space
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			playbook TEXT NOT NULL,
			status TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			queue TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			options TEXT NOT NULL,
			summary TEXT,
			exit_code INTEGER,
			duration_seconds REAL NOT NULL DEFAULT 0,
			stdout_lines INTEGER NOT NULL DEFAULT 0,
			stderr_lines INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL DEFAULT '',
			log_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			cancel_reason TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_user_id ON runs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_playbook ON runs(playbook)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const selectColumns = `id, playbook, status, user_id, queue, priority, options, summary, exit_code,
	duration_seconds, stdout_lines, stderr_lines, phase, log_path, error, attempts,
	cancel_requested, cancel_reason, worker_id, pid, created_at, started_at, finished_at, updated_at`

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *backend.Run) error {
	optionsJSON, summaryJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	now := time.Now()
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runs (id, playbook, status, user_id, queue, priority, options, summary, exit_code,
			duration_seconds, stdout_lines, stderr_lines, phase, log_path, error, attempts,
			cancel_requested, cancel_reason, worker_id, pid, created_at, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Playbook, string(run.Status), run.UserID, run.Queue, run.Priority,
		string(optionsJSON), string(summaryJSON), nullInt(run.ExitCode),
		run.DurationSeconds, run.StdoutLines, run.StderrLines, run.Phase, run.LogPath, run.Error, run.Attempts,
		run.CancelRequested, run.CancelReason, run.WorkerID, run.PID,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*backend.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stagehanderrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun writes progress fields, leaving status and cancel flags alone.
func (b *Backend) UpdateRun(ctx context.Context, run *backend.Run) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE runs SET summary = ?, stdout_lines = ?, stderr_lines = ?, phase = ?, log_path = ?,
			error = ?, attempts = ?, worker_id = ?, pid = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`,
		string(summaryJSON), run.StdoutLines, run.StderrLines, run.Phase, run.LogPath,
		run.Error, run.Attempts, run.WorkerID, run.PID, formatTime(time.Now()),
		run.ID, string(model.StatusPending), string(model.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		// Missing, or terminal and therefore left alone.
		_, err := b.GetRun(ctx, run.ID)
		return err
	}
	return nil
}

// TransitionRun writes the full record if the stored status equals from.
func (b *Backend) TransitionRun(ctx context.Context, run *backend.Run, from model.Status) error {
	optionsJSON, summaryJSON, err := marshalRun(run)
	if err != nil {
		return err
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, options = ?, summary = ?, exit_code = ?, duration_seconds = ?,
			stdout_lines = ?, stderr_lines = ?, phase = ?, log_path = ?, error = ?, attempts = ?,
			worker_id = ?, pid = ?, started_at = ?, finished_at = ?, updated_at = ?,
			cancel_requested = CASE WHEN ? THEN 1 ELSE cancel_requested END,
			cancel_reason = CASE WHEN ? THEN ? ELSE cancel_reason END
		WHERE id = ? AND status = ?
	`,
		string(run.Status), string(optionsJSON), string(summaryJSON), nullInt(run.ExitCode), run.DurationSeconds,
		run.StdoutLines, run.StderrLines, run.Phase, run.LogPath, run.Error, run.Attempts,
		run.WorkerID, run.PID, formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt), formatTime(time.Now()),
		run.CancelRequested, run.CancelRequested, run.CancelReason,
		run.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		current, err := b.GetRun(ctx, run.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is %s, expected %s", backend.ErrStatusConflict, run.ID, current.Status, from)
	}
	return nil
}

// RequestCancel flags a run for cancellation.
func (b *Backend) RequestCancel(ctx context.Context, id, reason string) error {
	result, err := b.db.ExecContext(ctx,
		`UPDATE runs SET cancel_requested = 1, cancel_reason = ?, updated_at = ? WHERE id = ?`,
		reason, formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return requireRow(result, id)
}

// ListRuns lists runs with filtering, sorting and paging.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*backend.Run, int, error) {
	where, args := whereClause(filter)

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	col, order := filter.SortColumn()
	nulls := "NULLS FIRST"
	if order == backend.SortDesc {
		nulls = "NULLS LAST"
	}
	query := fmt.Sprintf(`SELECT %s FROM runs%s ORDER BY %s %s %s, id %s`,
		selectColumns, where, col, strings.ToUpper(order), nulls, strings.ToUpper(order))

	limit := filter.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Skip)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*backend.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, total, nil
}

// DeleteRun deletes a run by ID.
func (b *Backend) DeleteRun(ctx context.Context, id string) error {
	result, err := b.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return requireRow(result, id)
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func whereClause(f backend.RunFilter) (string, []any) {
	var conds []string
	var args []any

	if f.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Playbook != "" {
		conds = append(conds, "playbook = ?")
		args = append(args, f.Playbook)
	}
	if f.WorkerID != "" {
		conds = append(conds, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if !f.CreatedFrom.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, formatTime(f.CreatedTo))
	}
	if f.TerminalOnly {
		conds = append(conds, "status IN (?, ?, ?, ?)")
		args = append(args, string(model.StatusSuccess), string(model.StatusFailed),
			string(model.StatusCancelled), string(model.StatusTimeout))
	}
	if !f.FinishedBefore.IsZero() {
		conds = append(conds, "finished_at IS NOT NULL AND finished_at < ?")
		args = append(args, formatTime(f.FinishedBefore))
	}
	if f.Search != "" {
		like := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		conds = append(conds, `(lower(id) LIKE ? ESCAPE '\' OR lower(playbook) LIKE ? ESCAPE '\' OR lower(user_id) LIKE ? ESCAPE '\' OR lower(error) LIKE ? ESCAPE '\')`)
		args = append(args, like, like, like, like)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*backend.Run, error) {
	var (
		run                   backend.Run
		status, optionsJSON   string
		summaryJSON           sql.NullString
		exitCode              sql.NullInt64
		createdAt, updatedAt  string
		startedAt, finishedAt sql.NullString
	)

	err := s.Scan(
		&run.ID, &run.Playbook, &status, &run.UserID, &run.Queue, &run.Priority,
		&optionsJSON, &summaryJSON, &exitCode,
		&run.DurationSeconds, &run.StdoutLines, &run.StderrLines, &run.Phase, &run.LogPath, &run.Error, &run.Attempts,
		&run.CancelRequested, &run.CancelReason, &run.WorkerID, &run.PID,
		&createdAt, &startedAt, &finishedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = model.Status(status)
	if err := json.Unmarshal([]byte(optionsJSON), &run.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		if err := json.Unmarshal([]byte(summaryJSON.String), &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal summary: %w", err)
		}
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}

	run.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	run.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	run.StartedAt = parseTimePtr(startedAt)
	run.FinishedAt = parseTimePtr(finishedAt)

	return &run, nil
}

func marshalRun(run *backend.Run) ([]byte, []byte, error) {
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal options: %w", err)
	}
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal summary: %w", err)
	}
	return optionsJSON, summaryJSON, nil
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return &stagehanderrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
