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
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/tombee/stagehand/internal/controller/backend"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ExportQuery selects runs created in [From, To).
type ExportQuery struct {
	From   time.Time
	To     time.Time
	Format string
}

// csvHeader lists the exported columns in order.
var csvHeader = []string{
	"id", "playbook", "status", "user_id", "queue", "created_at", "started_at", "finished_at",
	"duration_seconds", "exit_code", "hosts_ok", "hosts_changed", "hosts_unreachable", "hosts_failed",
	"attempts", "log_path", "error",
}

// Export writes every matching run to w, oldest first, and returns the
// number of rows written. JSON output is a single array.
func (a *Aggregator) Export(ctx context.Context, q ExportQuery, w io.Writer) (int, error) {
	if q.Format == "" {
		q.Format = FormatJSON
	}
	if q.Format != FormatJSON && q.Format != FormatCSV {
		return 0, &stagehanderrors.ValidationError{Field: "format", Message: fmt.Sprintf("unsupported format %q", q.Format)}
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return 0, &stagehanderrors.ValidationError{Field: "to", Message: "must not be before from"}
	}

	runs, err := a.collect(ctx, backend.RunFilter{CreatedFrom: q.From, CreatedTo: q.To})
	if err != nil {
		return 0, err
	}

	if q.Format == FormatCSV {
		return writeCSV(w, runs)
	}
	return writeJSON(w, runs)
}

func writeJSON(w io.Writer, runs []*backend.Run) (int, error) {
	if runs == nil {
		runs = []*backend.Run{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(runs); err != nil {
		return 0, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return len(runs), nil
}

func writeCSV(w io.Writer, runs []*backend.Run) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for i, r := range runs {
		exit := ""
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		row := []string{
			r.ID,
			r.Playbook,
			string(r.Status),
			r.UserID,
			r.Queue,
			formatTime(&r.CreatedAt),
			formatTime(r.StartedAt),
			formatTime(r.FinishedAt),
			strconv.FormatFloat(r.DurationSeconds, 'f', 3, 64),
			exit,
			strconv.Itoa(r.Summary.Totals.OK),
			strconv.Itoa(r.Summary.Totals.Changed),
			strconv.Itoa(r.Summary.Totals.Unreachable),
			strconv.Itoa(r.Summary.Totals.Failed),
			strconv.Itoa(r.Attempts),
			r.LogPath,
			r.Error,
		}
		if err := writer.Write(row); err != nil {
			return i, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return 0, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return len(runs), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
