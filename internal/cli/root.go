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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/history"
	"github.com/tombee/stagehand/internal/commands/login"
	"github.com/tombee/stagehand/internal/commands/maintenance"
	"github.com/tombee/stagehand/internal/commands/runs"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/commands/version"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command with every subcommand.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Stagehand - run and watch Ansible playbooks through a controller",
		Long: `Stagehand submits ansible-playbook runs to a stagehandd controller,
streams their output live and queries run history, statistics and health.

Set ` + client.HostEnv + ` (or --host) to point at the controller and run
'stagehand login' when it requires a token.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	flags := shared.RegisterFlagPointers()

	pf := cmd.PersistentFlags()
	pf.StringVar(flags.Host, "host", "", "Controller address (default $"+client.HostEnv+" or "+client.DefaultHost+")")
	pf.StringVar(flags.Token, "token", "", "API token (default $"+client.TokenEnv+" or the saved login)")
	pf.StringVar(flags.User, "user", "", "User id sent when the controller runs without auth (default $"+client.UserIDEnv+")")
	pf.BoolVarP(flags.Verbose, "verbose", "v", false, "Enable verbose output")
	pf.BoolVarP(flags.Quiet, "quiet", "q", false, "Suppress non-error output")
	pf.BoolVar(flags.JSON, "json", false, "Output in JSON format")

	cmd.AddGroup(
		&cobra.Group{ID: "runs", Title: "Runs:"},
		&cobra.Group{ID: "history", Title: "History:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)
	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			cmd.AddCommand(c)
		}
	}
	add("runs",
		runs.NewSubmitCommand(),
		runs.NewStatusCommand(),
		runs.NewResultCommand(),
		runs.NewLogsCommand(),
		runs.NewCancelCommand(),
	)
	add("history",
		history.NewHistoryCommand(),
		history.NewStatsCommand(),
		history.NewExportCommand(),
	)
	add("ops",
		maintenance.NewCleanupCommand(),
		maintenance.NewHealthCommand(),
		maintenance.NewThresholdsCommand(),
		login.NewLoginCommand(),
		login.NewLogoutCommand(),
	)
	cmd.AddCommand(version.NewVersionCommand())

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
