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

package maintenance

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/health"
)

// NewHealthCommand creates the health command.
func NewHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show controller resource usage, success rate and active alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			report, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				return shared.EmitJSON(out, report)
			}
			if shared.GetQuiet() {
				fmt.Fprintln(out, report.Status)
				return nil
			}
			printHealth(out, report)
			return nil
		},
	}
}

func printHealth(out io.Writer, r *health.Report) {
	shared.KV(out, "Status", shared.RenderHealth(r.Status))
	shared.KV(out, "CPU", fmt.Sprintf("%.1f%%", r.Resources.CPUPercent))
	shared.KV(out, "Memory", fmt.Sprintf("%.1f%%", r.Resources.MemoryPercent))
	disk := fmt.Sprintf("%.1f%%", r.Resources.DiskPercent)
	if r.Resources.DiskPath != "" {
		disk += " (" + r.Resources.DiskPath + ")"
	}
	shared.KV(out, "Disk", disk)
	if r.SuccessRate != nil {
		shared.KV(out, "Success rate", fmt.Sprintf("%.1f%% of %d runs", *r.SuccessRate, r.Terminal))
	} else {
		shared.KV(out, "Success rate", shared.Muted.Render("no finished runs"))
	}
	if r.Error != "" {
		shared.KV(out, "Error", shared.StatusError.Render(r.Error))
	}

	if len(r.Alerts) == 0 {
		fmt.Fprintln(out, "\n"+shared.RenderOK("No active alerts"))
		return
	}
	fmt.Fprintln(out, "\n"+shared.Header.Render("Alerts"))
	for _, a := range r.Alerts {
		line := fmt.Sprintf("%s: %s", a.Type, a.Message)
		if a.Severity == health.SeverityCritical {
			fmt.Fprintln(out, shared.RenderError(line))
		} else {
			fmt.Fprintln(out, shared.RenderWarn(line))
		}
	}
}

// NewThresholdsCommand creates the thresholds command group.
func NewThresholdsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Show or change health alert thresholds",
	}
	cmd.AddCommand(newThresholdsShowCommand(), newThresholdsSetCommand())
	return cmd
}

func newThresholdsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current alert thresholds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			report, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printThresholds(cmd.OutOrStdout(), &report.Thresholds)
		},
	}
}

// thresholdFlags maps flag prefixes to the JSON field they patch.
var thresholdFlags = []struct {
	prefix, field, help string
}{
	{"cpu", "cpu", "CPU usage percent"},
	{"memory", "memory", "memory usage percent"},
	{"disk", "disk", "disk usage percent"},
	{"success-rate", "success_rate", "success rate percent (alerts when below)"},
}

func newThresholdsSetCommand() *cobra.Command {
	values := make(map[string]*float64)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change alert thresholds",
		Long: `Change one or more alert thresholds. Thresholds that are not named keep
their current values. Warning must be below critical for usage
thresholds and above it for the success rate.`,
		Example: `  stagehand thresholds set --cpu-warning 75 --cpu-critical 90
  stagehand thresholds set --success-rate-warning 90 --success-rate-critical 75`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := make(map[string]any)
			for _, tf := range thresholdFlags {
				level := make(map[string]float64)
				for _, sev := range []string{"warning", "critical"} {
					name := tf.prefix + "-" + sev
					if cmd.Flags().Changed(name) {
						level[sev] = *values[name]
					}
				}
				if len(level) > 0 {
					patch[tf.field] = level
				}
			}
			if len(patch) == 0 {
				return shared.NewUsageError("no thresholds given; see --help", nil)
			}

			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			th, err := c.UpdateThresholds(cmd.Context(), patch)
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), th)
			}
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK("Thresholds updated"))
			return printThresholds(cmd.OutOrStdout(), th)
		},
	}

	for _, tf := range thresholdFlags {
		for _, sev := range []string{"warning", "critical"} {
			name := tf.prefix + "-" + sev
			v := new(float64)
			values[name] = v
			cmd.Flags().Float64Var(v, name, 0, fmt.Sprintf("%s level for %s", sev, tf.help))
		}
	}
	return cmd
}

func printThresholds(out io.Writer, th *health.Thresholds) error {
	if shared.GetJSON() {
		return shared.EmitJSON(out, th)
	}
	tbl := shared.NewTable(out, "METRIC", "WARNING", "CRITICAL")
	tbl.Row("cpu", th.CPU.Warning, th.CPU.Critical)
	tbl.Row("memory", th.Memory.Warning, th.Memory.Critical)
	tbl.Row("disk", th.Disk.Warning, th.Disk.Critical)
	tbl.Row("success_rate", th.SuccessRate.Warning, th.SuccessRate.Critical)
	return tbl.Flush()
}
