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

package history

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/stats"
)

func serve(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	t.Setenv(client.HostEnv, server.URL)
	t.Setenv(client.TokenEnv, "test-token")
	t.Cleanup(shared.ResetFlagsForTest)
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestHistory(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "failed", q.Get("status"))
		assert.Equal(t, "desc", q.Get("sort_order"))
		assert.Equal(t, "2", q.Get("limit"))
		assert.NotEmpty(t, q.Get("from"))
		d := 3.0
		_ = json.NewEncoder(w).Encode(client.HistoryResponse{
			Items: []api.StatusResponse{
				{ID: "run-2", Playbook: "site.yml", Status: model.StatusFailed, UserID: "alice", DurationSeconds: &d},
				{ID: "run-1", Playbook: "site.yml", Status: model.StatusFailed, UserID: "bob"},
			},
			Total:   5,
			HasMore: true,
			Limit:   2,
		})
	})

	out, _, err := execute(t, NewHistoryCommand(), "--status", "failed", "--order", "desc", "-n", "2", "--from", "7d")
	require.NoError(t, err)
	assert.Regexp(t, `run-2\s+site.yml\s+failed\s+alice`, out)
	assert.Contains(t, out, "3.0s")
	assert.Contains(t, out, "Showing 1-2 of 5 (next: --skip 2)")
}

func TestHistory_BadFrom(t *testing.T) {
	_, _, err := execute(t, NewHistoryCommand(), "--from", "yesterday-ish")
	require.Error(t, err)
	assert.Equal(t, shared.ExitUsage, shared.ExitCode(err))
}

func TestHistory_Quiet(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(client.HistoryResponse{
			Items: []api.StatusResponse{{ID: "a"}, {ID: "b"}},
			Total: 2,
		})
	})
	*shared.RegisterFlagPointers().Quiet = true

	out, _, err := execute(t, NewHistoryCommand())
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)
}

func TestStats(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stats", r.URL.Path)
		assert.Equal(t, "week", r.URL.Query().Get("period"))
		report := stats.Report{
			From:   time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			To:     time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
			Period: stats.Period("week"),
			Trend: []stats.TrendPoint{
				{Period: "2025-W10", Total: 4, Success: 3, Failed: 1, SuccessRate: 75},
				{Period: "2025-W11", Total: 6, Success: 4, Failed: 2, SuccessRate: 66.7},
			},
			Stats: &stats.Stats{
				Total:       10,
				Terminal:    10,
				ByStatus:    map[model.Status]int{model.StatusSuccess: 7, model.StatusFailed: 3},
				SuccessRate: 70,
				Duration:    stats.Durations{Count: 10, Min: 1, Avg: 5, Max: 20, P95: 18},
				ByPlaybook:  []stats.Breakdown{{Key: "site.yml", Total: 10, Success: 7, Failed: 3, SuccessRate: 70}},
			},
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	out, _, err := execute(t, NewStatsCommand(), "--period", "week")
	require.NoError(t, err)
	assert.Contains(t, out, "70.0%")
	assert.Regexp(t, `success:\s+7`, out)
	assert.Regexp(t, `2025-W11\s+6\s+4\s+2\s+66.7%`, out)
	assert.Regexp(t, `site.yml\s+10\s+7\s+3`, out)
}

func TestExport_ToFile(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "csv", r.URL.Query().Get("format"))
		w.Header().Set("X-Export-Count", "2")
		_, _ = w.Write([]byte("id,status\na,success\nb,failed\n"))
	})
	dest := filepath.Join(t.TempDir(), "runs.csv")

	_, errOut, err := execute(t, NewExportCommand(), "--format", "csv", "-o", dest)
	require.NoError(t, err)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "id,status\na,success\nb,failed\n", string(data))
	assert.Contains(t, errOut, "Exported 2 runs")
}

func TestExport_BadFormat(t *testing.T) {
	_, _, err := execute(t, NewExportCommand(), "--format", "xml")
	require.Error(t, err)
	assert.Equal(t, shared.ExitUsage, shared.ExitCode(err))
}
