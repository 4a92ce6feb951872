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

package stats

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/stagehand/internal/controller/archive"
	"github.com/tombee/stagehand/internal/controller/backend"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// CleanupStore is what retention cleanup needs from the run store.
type CleanupStore interface {
	backend.RunLister
}

// CleanupRequest selects what to remove. RetentionDays of zero uses the
// janitor's default.
type CleanupRequest struct {
	RetentionDays int  `json:"retention_days"`
	Logs          bool `json:"logs"`
	Records       bool `json:"records"`
	DryRun        bool `json:"dry_run"`
}

// CleanupResult reports what was (or, for a dry run, would be) removed.
type CleanupResult struct {
	RecordsDeleted int   `json:"records_deleted"`
	LogsDeleted    int   `json:"logs_deleted"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
	Archived       int   `json:"archived"`
	DryRun         bool  `json:"dry_run"`
}

// Janitor deletes terminal runs and their logs once they are older than the
// retention window. Logs are archived first when an archiver is set.
type Janitor struct {
	store     CleanupStore
	archiver  archive.Archiver
	logDir    string
	retention int
	logger    *slog.Logger
	now       func() time.Time
}

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithArchiver uploads logs before deleting them.
func WithArchiver(a archive.Archiver) JanitorOption {
	return func(j *Janitor) { j.archiver = a }
}

// WithJanitorLogger sets the logger.
func WithJanitorLogger(logger *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = logger }
}

// NewJanitor creates a Janitor. logDir bounds which files may be removed.
func NewJanitor(store CleanupStore, logDir string, retentionDays int, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		store:     store,
		logDir:    logDir,
		retention: retentionDays,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	j.logger = j.logger.With(slog.String("component", "janitor"))
	return j
}

// Run performs a scheduled cleanup of logs and records with the default
// retention.
func (j *Janitor) Run(ctx context.Context) error {
	res, err := j.Cleanup(ctx, CleanupRequest{Logs: true, Records: true})
	if err != nil {
		return err
	}
	j.logger.Info("retention cleanup complete",
		slog.Int("records_deleted", res.RecordsDeleted),
		slog.Int("logs_deleted", res.LogsDeleted),
		slog.Int64("bytes_reclaimed", res.BytesReclaimed),
		slog.Int("archived", res.Archived))
	return nil
}

// Cleanup removes runs that finished more than RetentionDays ago. A run
// whose log cannot be archived keeps both its log and its record.
func (j *Janitor) Cleanup(ctx context.Context, req CleanupRequest) (*CleanupResult, error) {
	days := req.RetentionDays
	if days == 0 {
		days = j.retention
	}
	if days <= 0 {
		return nil, &stagehanderrors.ValidationError{Field: "retention_days", Message: "must be at least 1"}
	}
	if !req.Logs && !req.Records {
		return nil, &stagehanderrors.ValidationError{Field: "logs", Message: "at least one of logs or records must be selected"}
	}

	cutoff := j.now().UTC().AddDate(0, 0, -days)
	res := &CleanupResult{DryRun: req.DryRun}

	// Deleted records shift later pages, so only the rows left behind are
	// skipped on the next read.
	filter := backend.RunFilter{
		TerminalOnly:   true,
		FinishedBefore: cutoff,
		SortBy:         "finished_at",
		SortOrder:      backend.SortAsc,
		Limit:          collectBatch,
	}
	for {
		runs, _, err := j.store.ListRuns(ctx, filter)
		if err != nil {
			return res, fmt.Errorf("listing expired runs: %w", err)
		}
		for _, r := range runs {
			deleted, err := j.cleanRun(ctx, r, req, res)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				j.logger.Warn("skipping run during cleanup", slog.String("run_id", r.ID), slog.Any("error", err))
			}
			if !deleted {
				filter.Skip++
			}
		}
		if len(runs) < collectBatch {
			break
		}
	}

	if req.Logs && !req.DryRun {
		j.pruneEmptyDirs()
	}
	return res, nil
}

// cleanRun reports whether the record was removed from the store.
func (j *Janitor) cleanRun(ctx context.Context, r *backend.Run, req CleanupRequest, res *CleanupResult) (bool, error) {
	if req.Logs && r.LogPath != "" && j.owns(r.LogPath) {
		info, err := os.Stat(r.LogPath)
		switch {
		case err == nil:
			if !req.DryRun {
				if j.archiver != nil {
					if _, err := j.archiver.Archive(ctx, r.ID, r.LogPath); err != nil {
						return false, fmt.Errorf("archive: %w", err)
					}
					res.Archived++
				}
				if err := os.Remove(r.LogPath); err != nil {
					return false, fmt.Errorf("remove log: %w", err)
				}
			} else if j.archiver != nil {
				res.Archived++
			}
			res.LogsDeleted++
			res.BytesReclaimed += info.Size()
		case !errors.Is(err, fs.ErrNotExist):
			return false, fmt.Errorf("stat log: %w", err)
		}
	}

	if !req.Records {
		return false, nil
	}
	res.RecordsDeleted++
	if req.DryRun {
		return false, nil
	}
	if err := j.store.DeleteRun(ctx, r.ID); err != nil {
		res.RecordsDeleted--
		return false, fmt.Errorf("delete record: %w", err)
	}
	return true, nil
}

// owns reports whether path lies inside the log directory.
func (j *Janitor) owns(path string) bool {
	if j.logDir == "" {
		return false
	}
	rel, err := filepath.Rel(j.logDir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// pruneEmptyDirs removes empty yyyy/mm directories under the log directory.
func (j *Janitor) pruneEmptyDirs() {
	years, err := os.ReadDir(j.logDir)
	if err != nil {
		return
	}
	for _, y := range years {
		if !y.IsDir() {
			continue
		}
		yearDir := filepath.Join(j.logDir, y.Name())
		months, err := os.ReadDir(yearDir)
		if err != nil {
			continue
		}
		for _, m := range months {
			if m.IsDir() {
				// Remove fails on non-empty directories.
				_ = os.Remove(filepath.Join(yearDir, m.Name()))
			}
		}
		_ = os.Remove(yearDir)
	}
}
