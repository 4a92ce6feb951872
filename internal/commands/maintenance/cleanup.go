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

// Package maintenance implements the cleanup, health and threshold
// commands used by operators.
package maintenance

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/stats"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand() *cobra.Command {
	var (
		req stats.CleanupRequest
		yes bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished runs and logs older than the retention window",
		Long: `Delete finished runs and their logs once they are older than the
retention window. When the controller has an archive configured, logs are
uploaded before they are removed.

When the controller requires authentication, the token needs the
maintenance scope.`,
		Example: `  stagehand cleanup --dry-run
  stagehand cleanup --retention-days 14 --yes
  stagehand cleanup --records=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !req.Logs && !req.Records {
				return shared.NewUsageError("nothing to clean: --logs and --records are both false", nil)
			}
			if !req.DryRun && !yes {
				if shared.IsNonInteractive() {
					return shared.NewUsageError("refusing to delete without --yes in non-interactive mode", nil)
				}
				ok, err := confirm(req)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), shared.Muted.Render("Cleanup aborted."))
					return nil
				}
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			res, err := c.Cleanup(cmd.Context(), req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, res)
			}
			verb := "Deleted"
			if res.DryRun {
				verb = "Would delete"
			}
			fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s %d records and %d logs (%s)",
				verb, res.RecordsDeleted, res.LogsDeleted, humanize.Bytes(uint64(max(res.BytesReclaimed, 0))))))
			if res.Archived > 0 {
				fmt.Fprintln(out, shared.RenderLabel(fmt.Sprintf("  %d logs archived first", res.Archived)))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&req.RetentionDays, "retention-days", 0, "Age in days beyond which runs are removed (default from controller config)")
	f.BoolVar(&req.Logs, "logs", true, "Delete log files")
	f.BoolVar(&req.Records, "records", true, "Delete run records")
	f.BoolVar(&req.DryRun, "dry-run", false, "Report what would be deleted without deleting")
	f.BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func confirm(req stats.CleanupRequest) (bool, error) {
	window := "the configured retention window"
	if req.RetentionDays > 0 {
		window = fmt.Sprintf("%d days", req.RetentionDays)
	}
	var what string
	switch {
	case req.Logs && req.Records:
		what = "run records and logs"
	case req.Records:
		what = "run records"
	default:
		what = "log files"
	}

	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Delete old runs?").
				Description(fmt.Sprintf("Finished %s older than %s will be removed.", what, window)).
				Affirmative("Yes, delete").
				Negative("Cancel").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
