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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stagehand/internal/client"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/api"
	"github.com/tombee/stagehand/internal/controller/broadcast"
)

// maxReconnects bounds how often a dropped stream is resumed.
const maxReconnects = 3

// NewLogsCommand creates the logs command.
func NewLogsCommand() *cobra.Command {
	var followFlag bool
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print or follow a run's output",
		Long: `Print the durable log of a run.

With --follow the live event stream is shown until the run finishes, and
the command exits with a code that reflects the final status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}
			if followFlag {
				return follow(cmd, c, args[0])
			}
			_, err = c.Log(cmd.Context(), args[0], cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().BoolVarP(&followFlag, "follow", "f", false, "Stream output until the run finishes")
	return cmd
}

// streamEvent is the payload of every event except done.
type streamEvent struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

type follower struct {
	out, errOut io.Writer
	json        bool

	lastID    uint64
	lines     int
	truncated *broadcast.TruncatedData
	done      *api.DoneData
}

// follow streams events for id until done, resuming with Last-Event-ID
// when the server drops the connection.
func follow(cmd *cobra.Command, c *client.Client, id string) error {
	ctx := cmd.Context()
	f := &follower{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), json: shared.GetJSON()}

	for attempt := 0; ; attempt++ {
		err := c.StreamEvents(ctx, id, f.lastID, f.handle)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			if attempt >= maxReconnects || client.IsNotFound(err) {
				return err
			}
		}
		if f.done != nil {
			break
		}
		if attempt >= maxReconnects {
			return fmt.Errorf("event stream for %s ended before the run finished", id)
		}
		if !f.json {
			fmt.Fprintln(f.errOut, shared.Muted.Render("stream interrupted, reconnecting..."))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
		}
	}

	// Nothing live was left to show, so fall back to the durable log.
	if f.truncated != nil && f.lines == 0 && !f.json {
		if _, err := c.Log(ctx, id, f.out); err != nil && !client.IsNotFound(err) {
			return err
		}
	} else if f.truncated != nil && !f.json {
		fmt.Fprintln(f.errOut, shared.RenderWarn("some output was skipped; full log: "+f.truncated.LogPath))
	}

	return f.finish()
}

func (f *follower) handle(ev client.Event) error {
	if ev.ID > f.lastID {
		f.lastID = ev.ID
	}
	if f.json {
		if ev.Name == "done" {
			if err := f.decodeDone(ev.Data); err != nil {
				return err
			}
		}
		return shared.EmitJSON(f.out, map[string]any{"event": ev.Name, "id": ev.ID, "data": ev.Data})
	}

	if ev.Name == "done" {
		return f.decodeDone(ev.Data)
	}

	var se streamEvent
	if err := json.Unmarshal(ev.Data, &se); err != nil {
		return fmt.Errorf("malformed %s event: %w", ev.Name, err)
	}
	switch broadcast.EventType(ev.Name) {
	case broadcast.EventLog:
		var d broadcast.LogData
		if err := json.Unmarshal(se.Data, &d); err != nil {
			return fmt.Errorf("malformed log event: %w", err)
		}
		f.lines++
		if d.Stream == "stderr" {
			fmt.Fprintln(f.errOut, d.Line)
		} else {
			fmt.Fprintln(f.out, d.Line)
		}

	case broadcast.EventStatus:
		var d broadcast.StatusData
		if err := json.Unmarshal(se.Data, &d); err == nil && !shared.GetQuiet() {
			fmt.Fprintln(f.errOut, shared.Muted.Render("status: ")+shared.RenderRunStatus(d.To))
		}

	case broadcast.EventTruncated:
		var d broadcast.TruncatedData
		if err := json.Unmarshal(se.Data, &d); err == nil {
			f.truncated = &d
		}
	}
	return nil
}

func (f *follower) decodeDone(data json.RawMessage) error {
	var d api.DoneData
	if err := json.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("malformed done event: %w", err)
	}
	f.done = &d
	return nil
}

// finish prints the outcome and turns it into an exit code.
func (f *follower) finish() error {
	d := f.done
	if !f.json && !shared.GetQuiet() {
		line := "Run " + shared.RenderRunStatus(d.Status)
		if d.Duration != nil {
			line += " in " + shared.FormatDuration(*d.Duration)
		}
		if d.ExitCode != nil {
			line += fmt.Sprintf(" (exit code %d)", *d.ExitCode)
		}
		fmt.Fprintln(f.errOut, line)
		if d.Error != "" {
			fmt.Fprintln(f.errOut, shared.RenderLabel("error: ")+d.Error)
		}
	}
	if code := shared.ExitCodeForStatus(d.Status); code != shared.ExitSuccess {
		return &shared.ExitError{Code: code}
	}
	return nil
}
