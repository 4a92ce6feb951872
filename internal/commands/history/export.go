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
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/stats"
)

// NewExportCommand creates the export command.
func NewExportCommand() *cobra.Command {
	var (
		format, from, to, output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export runs as CSV or JSON",
		Example: `  stagehand export --format csv --from 30d -o runs.csv
  stagehand export --from 2025-03-01 --to 2025-04-01 > march.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != stats.FormatCSV && format != stats.FormatJSON {
				return shared.NewUsageError(fmt.Sprintf("invalid --format %q (must be csv or json)", format), nil)
			}
			req := client.ExportRequest{Format: format}
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

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			res, err := c.Export(cmd.Context(), req, w)
			if err != nil {
				return err
			}
			if output != "" && output != "-" && !shared.GetQuiet() {
				fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK(fmt.Sprintf("Exported %d runs (%s) to %s",
					res.Count, humanize.Bytes(uint64(res.Bytes)), output)))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&format, "format", stats.FormatJSON, "Output format (csv or json)")
	f.StringVar(&from, "from", "", "Created at or after (RFC 3339, YYYY-MM-DD or look-back like 30d)")
	f.StringVar(&to, "to", "", "Created before (same formats as --from)")
	f.StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}
