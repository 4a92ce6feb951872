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

package version

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/api"
)

// VersionInfo contains version metadata
type VersionInfo struct {
	Version    string               `json:"version"`
	Commit     string               `json:"commit"`
	BuildDate  string               `json:"build_date"`
	Controller *api.VersionResponse `json:"controller,omitempty"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	var clientOnly bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date for the CLI and, when reachable, the controller.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion(cmd, clientOnly)
		},
	}
	cmd.Flags().BoolVar(&clientOnly, "client", false, "Only show the CLI version")
	return cmd
}

func runVersion(cmd *cobra.Command, clientOnly bool) error {
	v, c, b := shared.GetVersion()
	info := VersionInfo{
		Version:   v,
		Commit:    c,
		BuildDate: b,
	}

	var ctlErr error
	if !clientOnly {
		info.Controller, ctlErr = controllerVersion(cmd.Context())
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, info)
	}

	cmd.Printf("stagehand version %s\n", info.Version)
	cmd.Printf("  commit:     %s\n", info.Commit)
	cmd.Printf("  build date: %s\n", info.BuildDate)

	switch {
	case info.Controller != nil:
		cmd.Printf("controller version %s\n", info.Controller.Version)
		cmd.Printf("  commit:     %s\n", info.Controller.Commit)
		cmd.Printf("  go:         %s (%s)\n", info.Controller.GoVersion, info.Controller.Platform)
	case ctlErr != nil:
		cmd.Printf("controller: %s\n", shared.Muted.Render("unreachable ("+ctlErr.Error()+")"))
	}
	return nil
}

func controllerVersion(ctx context.Context) (*api.VersionResponse, error) {
	c, err := shared.NewClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return c.Version(ctx)
}
