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

package runs

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/model"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the current state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, st)
			}
			if shared.GetQuiet() {
				fmt.Fprintln(out, st.Status)
				return nil
			}
			printStatus(out, st)
			return nil
		},
	}
}

func printStatus(out io.Writer, st *api.StatusResponse) {
	shared.KV(out, "Run", shared.Bold.Render(st.ID))
	shared.KV(out, "Playbook", st.Playbook)
	shared.KV(out, "Status", shared.RenderRunStatus(string(st.Status)))
	shared.KV(out, "User", st.UserID)
	if st.Queue != "" {
		shared.KV(out, "Queue", st.Queue)
	}
	shared.KV(out, "Created", shared.FormatTime(&st.CreatedAt))
	shared.KV(out, "Started", shared.FormatTime(st.StartedAt))
	if st.FinishedAt != nil {
		shared.KV(out, "Finished", shared.FormatTime(st.FinishedAt))
	}
	progress := fmt.Sprintf("%d stdout, %d stderr lines", st.Progress.StdoutLines, st.Progress.StderrLines)
	if st.Progress.Phase != "" {
		progress += " (" + st.Progress.Phase + ")"
	}
	shared.KV(out, "Progress", progress)
	if st.Attempts > 1 {
		shared.KV(out, "Attempts", st.Attempts)
	}
	if st.CancelRequested && !st.Status.IsTerminal() {
		shared.KV(out, "Cancel", shared.StatusWarn.Render("requested"))
	}
	if st.DurationSeconds != nil {
		shared.KV(out, "Duration", shared.FormatDuration(*st.DurationSeconds))
	}
	if st.ExitCode != nil {
		shared.KV(out, "Exit code", *st.ExitCode)
	}
	if st.Error != "" {
		shared.KV(out, "Error", shared.StatusError.Render(st.Error))
	}
}

// NewResultCommand creates the result command.
func NewResultCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "result <run-id>",
		Short: "Show the outcome and per-host summary of a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			res, err := c.Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, res)
			}
			return printResult(out, res)
		},
	}
}

func printResult(out io.Writer, res *api.ResultResponse) error {
	shared.KV(out, "Run", shared.Bold.Render(res.ID))
	shared.KV(out, "Playbook", res.Playbook)
	shared.KV(out, "Status", shared.RenderRunStatus(string(res.Status)))
	shared.KV(out, "Duration", shared.FormatDuration(res.DurationSeconds))
	if res.ExitCode != nil {
		shared.KV(out, "Exit code", *res.ExitCode)
	}
	if res.CancelReason != "" {
		shared.KV(out, "Cancelled", res.CancelReason)
	}
	if res.Error != "" {
		shared.KV(out, "Error", shared.StatusError.Render(res.Error))
	}
	shared.KV(out, "Log", res.LogPath)

	if res.Summary.Empty() {
		fmt.Fprintln(out, "\n"+shared.Muted.Render("No play recap was recorded."))
		return nil
	}

	fmt.Fprintln(out, "\n"+shared.Header.Render("PLAY RECAP"))
	hosts := make([]string, 0, len(res.Summary.Hosts))
	for h := range res.Summary.Hosts {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	tbl := shared.NewTable(out, "HOST", "OK", "CHANGED", "UNREACHABLE", "FAILED", "SKIPPED", "RESCUED", "IGNORED")
	for _, h := range hosts {
		c := res.Summary.Hosts[h]
		tbl.Row(h, c.OK, c.Changed, c.Unreachable, c.Failed, c.Skipped, c.Rescued, c.Ignored)
	}
	t := res.Summary.Totals
	tbl.Row("TOTAL", t.OK, t.Changed, t.Unreachable, t.Failed, t.Skipped, t.Rescued, t.Ignored)
	return tbl.Flush()
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running run",
		Long: `Ask the controller to cancel a run.

A pending run is cancelled immediately. A running playbook is sent SIGTERM
and, after the grace period, SIGKILL. Cancelling a finished run is a no-op.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			res, err := c.Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, res)
			}
			id := args[0]
			switch {
			case !res.Cancelled:
				fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf("Run %s already finished (%s)", id, res.Status)))
			case res.Status == model.StatusCancelled:
				fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Run %s cancelled", id)))
			default:
				fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Cancellation requested for %s", id)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the run")
	return cmd
}
