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

// Package history implements the run history, statistics and export
// commands.
package history

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var (
		req      client.HistoryRequest
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past and current runs",
		Example: `  stagehand history --status failed --limit 20
  stagehand history --playbook site.yml --from 7d
  stagehand history --search web1 --sort-by duration_seconds`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			now := time.Now()
			if req.From, err = shared.ParseTimeFlag(from, now); err != nil {
				return shared.NewUsageError("invalid --from", err)
			}
			if req.To, err = shared.ParseTimeFlag(to, now); err != nil {
				return shared.NewUsageError("invalid --to", err)
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			page, err := c.History(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, page)
			}
			if shared.GetQuiet() {
				for _, r := range page.Items {
					fmt.Fprintln(out, r.ID)
				}
				return nil
			}
			if len(page.Items) == 0 {
				fmt.Fprintln(out, shared.Muted.Render("No runs found."))
				return nil
			}

			tbl := shared.NewTable(out, "ID", "PLAYBOOK", "STATUS", "USER", "CREATED", "DURATION")
			for _, r := range page.Items {
				dur := "-"
				if r.DurationSeconds != nil {
					dur = shared.FormatDuration(*r.DurationSeconds)
				}
				tbl.Row(r.ID, r.Playbook, shared.RenderRunStatus(string(r.Status)), r.UserID, shared.FormatTime(&r.CreatedAt), dur)
			}
			if err := tbl.Flush(); err != nil {
				return err
			}
			footer := fmt.Sprintf("\nShowing %d-%d of %d", page.Skip+1, page.Skip+len(page.Items), page.Total)
			if page.HasMore {
				footer += fmt.Sprintf(" (next: --skip %d)", page.Skip+len(page.Items))
			}
			fmt.Fprintln(out, shared.Muted.Render(footer))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Status, "status", "", "Only runs with this status")
	f.StringVar(&req.Playbook, "playbook", "", "Only runs of this playbook")
	f.StringVar(&req.UserID, "user-id", "", "Only runs submitted by this user")
	f.StringVarP(&req.Search, "search", "s", "", "Free-text search over id, playbook, user and error")
	f.StringVar(&from, "from", "", "Created at or after (RFC 3339, YYYY-MM-DD or look-back like 7d)")
	f.StringVar(&to, "to", "", "Created before (same formats as --from)")
	f.StringVar(&req.SortBy, "sort-by", "", "Sort field (created_at, started_at, finished_at, duration_seconds, status, playbook, user_id)")
	f.StringVar(&req.SortOrder, "order", "", "Sort order (asc or desc)")
	f.IntVar(&req.Skip, "skip", 0, "Number of runs to skip")
	f.IntVarP(&req.Limit, "limit", "n", 0, "Maximum runs to return (default 20, max 200)")
	return cmd
}
