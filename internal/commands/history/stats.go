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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/controller/stats"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand() *cobra.Command {
	var req client.StatsRequest
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show success rates, durations and trends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			report, err := c.Stats(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, report)
			}
			return printReport(out, report)
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Period, "period", "", "Trend bucket size (day, week or month)")
	f.IntVar(&req.Days, "days", 0, "Days to look back (default 30)")
	f.StringVar(&req.Playbook, "playbook", "", "Only runs of this playbook")
	f.StringVar(&req.UserID, "user-id", "", "Only runs submitted by this user")
	return cmd
}

func printReport(out io.Writer, r *stats.Report) error {
	fmt.Fprintln(out, shared.Header.Render(fmt.Sprintf("Runs %s to %s", r.From.Local().Format("2006-01-02"), r.To.Local().Format("2006-01-02"))))
	s := r.Stats
	if s == nil {
		s = &stats.Stats{}
	}
	shared.KV(out, "Total", s.Total)
	shared.KV(out, "Finished", s.Terminal)
	shared.KV(out, "Success rate", fmt.Sprintf("%.1f%%", s.SuccessRate))
	for _, st := range []model.Status{
		model.StatusSuccess, model.StatusFailed, model.StatusTimeout,
		model.StatusCancelled, model.StatusRunning, model.StatusPending,
	} {
		if n := s.ByStatus[st]; n > 0 {
			shared.KV(out, "  "+string(st), n)
		}
	}
	if s.Duration.Count > 0 {
		shared.KV(out, "Duration", fmt.Sprintf("min %s  avg %s  p95 %s  max %s",
			shared.FormatDuration(s.Duration.Min),
			shared.FormatDuration(s.Duration.Avg),
			shared.FormatDuration(s.Duration.P95),
			shared.FormatDuration(s.Duration.Max)))
	}

	if len(s.ByPlaybook) > 0 {
		fmt.Fprintln(out, "\n"+shared.Header.Render("By playbook"))
		if err := breakdown(out, s.ByPlaybook); err != nil {
			return err
		}
	}
	if len(s.ByUser) > 0 {
		fmt.Fprintln(out, "\n"+shared.Header.Render("By user"))
		if err := breakdown(out, s.ByUser); err != nil {
			return err
		}
	}

	if len(r.Trend) > 0 {
		fmt.Fprintln(out, "\n"+shared.Header.Render("Trend ("+string(r.Period)+")"))
		tbl := shared.NewTable(out, "PERIOD", "TOTAL", "SUCCESS", "FAILED", "RATE", "AVG")
		for _, p := range r.Trend {
			tbl.Row(p.Period, p.Total, p.Success, p.Failed, fmt.Sprintf("%.1f%%", p.SuccessRate), shared.FormatDuration(p.AvgDuration))
		}
		return tbl.Flush()
	}
	return nil
}

func breakdown(out io.Writer, rows []stats.Breakdown) error {
	tbl := shared.NewTable(out, "NAME", "TOTAL", "SUCCESS", "FAILED", "RATE", "AVG")
	for _, b := range rows {
		tbl.Row(b.Key, b.Total, b.Success, b.Failed, fmt.Sprintf("%.1f%%", b.SuccessRate), shared.FormatDuration(b.AvgDuration))
	}
	return tbl.Flush()
}
