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

// Package runs implements the commands that submit, inspect, follow and
// cancel playbook runs.
package runs

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/controller/options"
)

type submitFlags struct {
	hosts             []string
	limit             string
	tags              []string
	skipTags          []string
	extraVars         []string
	forks             int
	verbosity         int
	check             bool
	diff              bool
	become            bool
	becomeUser        string
	becomeMethod      string
	connectionTimeout int
	timeout           time.Duration
	softTimeout       time.Duration
	queue             string
	priority          int
	follow            bool
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand() *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <playbook>",
		Short: "Queue a playbook run",
		Long: `Queue a playbook run on the controller.

The playbook path is resolved against the controller's playbook directory.
Target hosts come from --hosts; when the controller has an inventory they
are checked against it.

Extra variables accept key=value pairs, a JSON or YAML object, or @file.`,
		Example: `  stagehand submit site.yml --hosts web1,web2
  stagehand submit deploy.yml --hosts web1 -e version=1.4.2 --timeout 10m -f
  stagehand submit patch.yml --hosts db1 --check --diff -e @vars.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, args[0], f)
		},
	}

	fl := cmd.Flags()
	fl.StringSliceVarP(&f.hosts, "hosts", "H", nil, "Target hosts (comma-separated or repeated)")
	fl.StringVarP(&f.limit, "limit", "l", "", "Further limit the selected hosts to a pattern")
	fl.StringSliceVarP(&f.tags, "tags", "t", nil, "Only run tasks tagged with these values")
	fl.StringSliceVar(&f.skipTags, "skip-tags", nil, "Skip tasks tagged with these values")
	fl.StringArrayVarP(&f.extraVars, "extra-vars", "e", nil, "Extra variables as key=value, a JSON/YAML object, or @file")
	fl.IntVar(&f.forks, "forks", 0, "Parallel host processes")
	fl.IntVar(&f.verbosity, "ansible-verbosity", 0, "ansible-playbook verbosity level (0-4)")
	fl.BoolVarP(&f.check, "check", "C", false, "Dry run without making changes")
	fl.BoolVarP(&f.diff, "diff", "D", false, "Show differences in changed files")
	fl.BoolVarP(&f.become, "become", "b", false, "Run operations with privilege escalation")
	fl.StringVar(&f.becomeUser, "become-user", "", "User to become")
	fl.StringVar(&f.becomeMethod, "become-method", "", "Privilege escalation method")
	fl.IntVar(&f.connectionTimeout, "connection-timeout", 0, "Connection timeout in seconds")
	fl.DurationVar(&f.timeout, "timeout", 0, "Hard execution timeout (e.g. 30m)")
	fl.DurationVar(&f.softTimeout, "soft-timeout", 0, "Soft timeout after which the run is asked to stop")
	fl.StringVar(&f.queue, "queue", "", "Queue class")
	fl.IntVar(&f.priority, "priority", 0, "Priority within the queue (higher runs first)")
	fl.BoolVarP(&f.follow, "follow", "f", false, "Stream output until the run finishes")

	return cmd
}

func runSubmit(cmd *cobra.Command, playbook string, f *submitFlags) error {
	req, err := buildRequest(cmd, playbook, f)
	if err != nil {
		return err
	}

	c, err := shared.NewClient()
	if err != nil {
		return err
	}

	resp, err := c.Submit(cmd.Context(), req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case shared.GetJSON() && !f.follow:
		return shared.EmitJSON(out, resp)
	case shared.GetQuiet():
		fmt.Fprintln(out, resp.ID)
	default:
		fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK(fmt.Sprintf("Submitted %s (%s)", shared.Bold.Render(resp.ID), resp.Status)))
	}

	if !f.follow {
		return nil
	}
	return follow(cmd, c, resp.ID)
}

// buildRequest turns flags into a submission. Only flags the user set are
// sent so the controller applies its own defaults.
func buildRequest(cmd *cobra.Command, playbook string, f *submitFlags) (*options.Request, error) {
	req := &options.Request{
		Playbook:     playbook,
		Hosts:        f.hosts,
		Limit:        f.limit,
		Tags:         f.tags,
		SkipTags:     f.skipTags,
		Check:        f.check,
		Diff:         f.diff,
		Become:       f.become,
		BecomeUser:   f.becomeUser,
		BecomeMethod: f.becomeMethod,
		Queue:        f.queue,
	}

	changed := cmd.Flags().Changed
	if changed("forks") {
		req.Forks = &f.forks
	}
	if changed("ansible-verbosity") {
		req.Verbosity = &f.verbosity
	}
	if changed("connection-timeout") {
		req.ConnectionTimeout = &f.connectionTimeout
	}
	if changed("priority") {
		req.Priority = &f.priority
	}
	if changed("timeout") {
		d := options.Duration(f.timeout)
		req.ExecutionTimeout = &d
	}
	if changed("soft-timeout") {
		d := options.Duration(f.softTimeout)
		req.SoftTimeout = &d
	}

	vars, err := parseExtraVars(f.extraVars)
	if err != nil {
		return nil, shared.NewUsageError("invalid --extra-vars", err)
	}
	req.ExtraVars = vars
	return req, nil
}

// parseExtraVars merges every -e value in order; later keys win.
func parseExtraVars(values []string) (map[string]any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	vars := make(map[string]any)
	for _, v := range values {
		v = strings.TrimSpace(v)
		switch {
		case v == "":
			continue

		case strings.HasPrefix(v, "@"):
			data, err := os.ReadFile(v[1:])
			if err != nil {
				return nil, err
			}
			if err := mergeObject(vars, data, v[1:]); err != nil {
				return nil, err
			}

		case strings.HasPrefix(v, "{"):
			if err := mergeObject(vars, []byte(v), "inline object"); err != nil {
				return nil, err
			}

		default:
			key, value, ok := strings.Cut(v, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return nil, fmt.Errorf("%q is not key=value", v)
			}
			vars[key] = value
		}
	}
	return vars, nil
}

// YAML is a superset of JSON, so one decoder covers both forms.
func mergeObject(dst map[string]any, data []byte, source string) error {
	var obj map[string]any
	if err := yaml.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	for k, v := range obj {
		dst[k] = v
	}
	return nil
}
