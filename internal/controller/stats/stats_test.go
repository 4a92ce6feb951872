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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/backend/memory"
	"github.com/tombee/stagehand/internal/controller/model"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC) // a Monday

func finishedRun(id string, status model.Status, created time.Time, seconds float64) *backend.Run {
	started := created.Add(time.Second)
	finished := started.Add(time.Duration(seconds * float64(time.Second)))
	code := 0
	if status != model.StatusSuccess {
		code = 2
	}
	return &backend.Run{
		ID:              id,
		Playbook:        "site.yml",
		Status:          status,
		UserID:          "alice",
		Queue:           "runs",
		CreatedAt:       created,
		StartedAt:       &started,
		FinishedAt:      &finished,
		DurationSeconds: seconds,
		ExitCode:        &code,
		UpdatedAt:       finished,
	}
}

func createTestStore(t *testing.T, runs ...*backend.Run) *memory.Backend {
	t.Helper()
	store := memory.New()
	for _, r := range runs {
		require.NoError(t, store.CreateRun(context.Background(), r))
	}
	return store
}

func TestSummarize_SuccessRate(t *testing.T) {
	var runs []*backend.Run
	for i := 0; i < 7; i++ {
		runs = append(runs, finishedRun(fmt.Sprintf("s%d", i), model.StatusSuccess, base.Add(time.Duration(i)*time.Minute), 10))
	}
	for i := 0; i < 3; i++ {
		runs = append(runs, finishedRun(fmt.Sprintf("f%d", i), model.StatusFailed, base.Add(time.Duration(i)*time.Minute), 20))
	}
	runs = append(runs, &backend.Run{ID: "p", Playbook: "site.yml", Status: model.StatusPending, CreatedAt: base})

	s := Summarize(runs, time.Time{}, time.Time{})
	assert.Equal(t, 11, s.Total)
	assert.Equal(t, 10, s.Terminal)
	assert.Equal(t, 70.0, s.SuccessRate)
	assert.Equal(t, 7, s.ByStatus[model.StatusSuccess])
	assert.Equal(t, 1, s.Histograms.Status["pending"])
	assert.Equal(t, 11, s.Histograms.HourOfDay[9])
	assert.Equal(t, Durations{Count: 10, Min: 10, Avg: 13, Max: 20, P50: 10, P95: 20}, s.Duration)
	assert.Equal(t, 10, s.Histograms.Duration[0].Count)

	require.Len(t, s.ByPlaybook, 1)
	assert.Equal(t, Breakdown{Key: "site.yml", Total: 11, Success: 7, Failed: 3, SuccessRate: 70, AvgDuration: 13}, s.ByPlaybook[0])
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, time.Time{}, time.Time{})
	assert.Equal(t, 0, s.Total)
	assert.Equal(t, 0.0, s.SuccessRate)
	assert.Equal(t, Durations{}, s.Duration)
	assert.Empty(t, s.ByUser)
}

func TestSummarize_Window(t *testing.T) {
	runs := []*backend.Run{
		finishedRun("old", model.StatusFailed, base.Add(-48*time.Hour), 5),
		finishedRun("new", model.StatusSuccess, base, 5),
	}
	s := Summarize(runs, base.Add(-time.Hour), base.Add(time.Hour))
	assert.Equal(t, 1, s.Total)
	assert.Equal(t, 100.0, s.SuccessRate)
}

func TestSuccessRateRounding(t *testing.T) {
	assert.Equal(t, 66.67, SuccessRate(2, 3))
	assert.Equal(t, 0.0, SuccessRate(0, 0))
	assert.Equal(t, 100.0, SuccessRate(4, 4))
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, 5.0, percentile(values, 50))
	assert.Equal(t, 10.0, percentile(values, 95))
	assert.Equal(t, 1.0, percentile([]float64{1}, 95))
}

func TestTrend(t *testing.T) {
	runs := []*backend.Run{
		finishedRun("a", model.StatusSuccess, base, 10),                      // Mon 10 Mar
		finishedRun("b", model.StatusFailed, base.Add(24*time.Hour), 30),     // Tue 11 Mar
		finishedRun("c", model.StatusSuccess, base.Add(7*24*time.Hour), 10),  // Mon 17 Mar
		finishedRun("d", model.StatusSuccess, base.Add(-10*24*time.Hour), 1), // Fri 28 Feb
	}
	from := base.Add(-12 * 24 * time.Hour)
	to := base.Add(8 * 24 * time.Hour)

	tests := []struct {
		period Period
		want   map[string]int
		len    int
	}{
		{PeriodDay, map[string]int{"2025-03-10": 1, "2025-03-11": 1, "2025-03-17": 1, "2025-02-28": 1}, 21},
		{PeriodWeek, map[string]int{"2025-W09": 1, "2025-W11": 2, "2025-W12": 1}, 4},
		{PeriodMonth, map[string]int{"2025-02": 1, "2025-03": 3}, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			points := Trend(runs, tt.period, from, to)
			assert.Len(t, points, tt.len)
			got := map[string]int{}
			for i, p := range points {
				if i > 0 {
					assert.True(t, points[i-1].Start.Before(p.Start))
				}
				if p.Total > 0 {
					got[p.Period] = p.Total
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}

	week := Trend(runs, PeriodWeek, from, to)
	for _, p := range week {
		if p.Period == "2025-W11" {
			assert.Equal(t, time.Monday, p.Start.Weekday())
			assert.Equal(t, 50.0, p.SuccessRate)
			assert.Equal(t, 20.0, p.AvgDuration)
		}
	}
}

func TestHistory(t *testing.T) {
	var runs []*backend.Run
	for i := 0; i < 30; i++ {
		status := model.StatusSuccess
		if i%2 == 0 {
			status = model.StatusFailed
		}
		runs = append(runs, finishedRun(fmt.Sprintf("run-%02d", i), status, base.Add(time.Duration(i)*time.Minute), 5))
	}
	agg := NewAggregator(createTestStore(t, runs...))

	page, err := agg.History(context.Background(), Query{
		Status:    model.StatusFailed,
		SortBy:    "created_at",
		SortOrder: "desc",
		Limit:     20,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, page.Total)
	assert.Len(t, page.Items, 15)
	assert.False(t, page.HasMore)
	for i, r := range page.Items {
		assert.Equal(t, model.StatusFailed, r.Status)
		if i > 0 {
			assert.True(t, page.Items[i-1].CreatedAt.After(r.CreatedAt))
		}
	}

	page, err = agg.History(context.Background(), Query{Limit: 10, Skip: 5})
	require.NoError(t, err)
	assert.Equal(t, 30, page.Total)
	assert.Len(t, page.Items, 10)
	assert.True(t, page.HasMore)

	page, err = agg.History(context.Background(), Query{Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, page.Limit)

	page, err = agg.History(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, page.Items, DefaultLimit)
}

func TestHistory_Validation(t *testing.T) {
	agg := NewAggregator(createTestStore(t))

	_, err := agg.History(context.Background(), Query{Status: "bogus", SortBy: "id; DROP TABLE runs", SortOrder: "up"})
	var verrs *stagehanderrors.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, 3, verrs.Len())
}

func TestStatistics(t *testing.T) {
	now := base.Add(time.Hour)
	store := createTestStore(t,
		finishedRun("a", model.StatusSuccess, base, 10),
		finishedRun("b", model.StatusFailed, base.Add(-2*24*time.Hour), 10),
		finishedRun("old", model.StatusFailed, base.Add(-40*24*time.Hour), 10),
	)
	agg := NewAggregator(store)
	agg.now = func() time.Time { return now }

	report, err := agg.Statistics(context.Background(), StatsQuery{Period: PeriodDay, Days: 7})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 50.0, report.SuccessRate)
	assert.Len(t, report.Trend, 8)

	_, err = agg.Statistics(context.Background(), StatsQuery{Period: "hour"})
	var verrs *stagehanderrors.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	rate, n, err := agg.SuccessRate(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 100.0, rate)
}

func TestExport(t *testing.T) {
	runs := []*backend.Run{
		finishedRun("a", model.StatusSuccess, base, 10),
		finishedRun("b", model.StatusFailed, base.Add(time.Hour), 12.5),
		finishedRun("c", model.StatusFailed, base.Add(48*time.Hour), 1),
	}
	runs[1].Error = "host, with comma"
	agg := NewAggregator(createTestStore(t, runs...))

	var buf bytes.Buffer
	n, err := agg.Export(context.Background(), ExportQuery{From: base, To: base.Add(24 * time.Hour), Format: FormatCSV}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "a", rows[1][0])
	assert.Equal(t, "b", rows[2][0])
	assert.Equal(t, "12.500", rows[2][8])
	assert.Equal(t, "host, with comma", rows[2][16])

	buf.Reset()
	n, err = agg.Export(context.Background(), ExportQuery{}, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	var decoded []backend.Run
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, 3)

	_, err = agg.Export(context.Background(), ExportQuery{Format: "xml"}, &buf)
	var verr *stagehanderrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

type recordingArchiver struct {
	archived []string
	fail     map[string]bool
}

func (a *recordingArchiver) Archive(_ context.Context, runID, _ string) (string, error) {
	if a.fail[runID] {
		return "", errors.New("bucket unavailable")
	}
	a.archived = append(a.archived, runID)
	return "s3://logs/" + runID + ".log.zst", nil
}

func writeLog(t *testing.T, dir string, run *backend.Run, content string) {
	t.Helper()
	path := filepath.Join(dir, run.CreatedAt.Format("2006"), run.CreatedAt.Format("01"), run.ID+".log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	run.LogPath = path
}

func TestJanitorCleanup(t *testing.T) {
	logDir := t.TempDir()
	now := base.Add(100 * 24 * time.Hour)

	expired := finishedRun("expired", model.StatusSuccess, base, 10)
	recent := finishedRun("recent", model.StatusSuccess, now.Add(-24*time.Hour), 10)
	stuck := finishedRun("stuck", model.StatusFailed, base, 10)
	running := &backend.Run{ID: "running", Status: model.StatusRunning, CreatedAt: base}
	writeLog(t, logDir, expired, "0123456789")
	writeLog(t, logDir, recent, "abc")
	writeLog(t, logDir, stuck, "abcdef")

	store := createTestStore(t, expired, recent, stuck, running)
	archiver := &recordingArchiver{fail: map[string]bool{"stuck": true}}
	j := NewJanitor(store, logDir, 30, WithArchiver(archiver))
	j.now = func() time.Time { return now }

	dry, err := j.Cleanup(context.Background(), CleanupRequest{Logs: true, Records: true, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, &CleanupResult{RecordsDeleted: 2, LogsDeleted: 2, BytesReclaimed: 16, Archived: 2, DryRun: true}, dry)
	assert.FileExists(t, expired.LogPath)
	assert.Empty(t, archiver.archived)

	res, err := j.Cleanup(context.Background(), CleanupRequest{Logs: true, Records: true})
	require.NoError(t, err)
	assert.Equal(t, &CleanupResult{RecordsDeleted: 1, LogsDeleted: 1, BytesReclaimed: 10, Archived: 1}, res)
	assert.Equal(t, []string{"expired"}, archiver.archived)

	assert.NoFileExists(t, expired.LogPath)
	assert.FileExists(t, stuck.LogPath)
	assert.FileExists(t, recent.LogPath)

	_, err = store.GetRun(context.Background(), "expired")
	var notFound *stagehanderrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
	for _, id := range []string{"recent", "stuck", "running"} {
		_, err := store.GetRun(context.Background(), id)
		assert.NoError(t, err, id)
	}
}

func TestJanitorCleanup_LogsOnly(t *testing.T) {
	logDir := t.TempDir()
	now := base.Add(100 * 24 * time.Hour)
	expired := finishedRun("expired", model.StatusSuccess, base, 10)
	writeLog(t, logDir, expired, "0123456789")

	store := createTestStore(t, expired)
	j := NewJanitor(store, logDir, 30)
	j.now = func() time.Time { return now }

	res, err := j.Cleanup(context.Background(), CleanupRequest{Logs: true, RetentionDays: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, res.LogsDeleted)
	assert.Equal(t, 0, res.RecordsDeleted)
	assert.NoDirExists(t, filepath.Join(logDir, "2025"))

	_, err = store.GetRun(context.Background(), "expired")
	assert.NoError(t, err)
}

func TestJanitorCleanup_Validation(t *testing.T) {
	j := NewJanitor(createTestStore(t), t.TempDir(), 0)

	_, err := j.Cleanup(context.Background(), CleanupRequest{Logs: true})
	var verr *stagehanderrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "retention_days", verr.Field)

	_, err = j.Cleanup(context.Background(), CleanupRequest{RetentionDays: 5})
	require.ErrorAs(t, err, &verr)
}

func TestJanitorOwns(t *testing.T) {
	j := NewJanitor(nil, "/var/lib/stagehand/logs", 30)
	assert.True(t, j.owns("/var/lib/stagehand/logs/2025/01/x.log"))
	assert.False(t, j.owns("/etc/passwd"))
	assert.False(t, j.owns("/var/lib/stagehand/logs/../db.sqlite"))
}
