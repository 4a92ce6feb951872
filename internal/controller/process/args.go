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

package process

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tombee/stagehand/internal/controller/model"
)

// BuildArgs maps validated options to ansible-playbook arguments. With an
// inventory path the hosts become a --limit over that inventory; without one
// they form an inline inventory. The playbook is always last.
func BuildArgs(opts model.Options, inventoryPath string) []string {
	var args []string

	if inventoryPath != "" {
		args = append(args, "-i", inventoryPath)
		if len(opts.Hosts) > 0 {
			args = append(args, "--limit", strings.Join(opts.Hosts, ","))
		}
	} else {
		args = append(args, "-i", strings.Join(opts.Hosts, ",")+",")
		if opts.Limit != "" {
			args = append(args, "--limit", opts.Limit)
		}
	}

	if len(opts.Tags) > 0 {
		args = append(args, "--tags", strings.Join(opts.Tags, ","))
	}
	if len(opts.SkipTags) > 0 {
		args = append(args, "--skip-tags", strings.Join(opts.SkipTags, ","))
	}
	if len(opts.ExtraVars) > 0 {
		// Map keys marshal sorted, so the argument is stable.
		if b, err := json.Marshal(opts.ExtraVars); err == nil {
			args = append(args, "--extra-vars", string(b))
		}
	}
	if opts.Forks > 0 {
		args = append(args, "--forks", strconv.Itoa(opts.Forks))
	}
	if opts.Verbosity > 0 {
		args = append(args, "-"+strings.Repeat("v", opts.Verbosity))
	}
	if opts.Check {
		args = append(args, "--check")
	}
	if opts.Diff {
		args = append(args, "--diff")
	}
	if opts.Become {
		args = append(args, "--become")
		if opts.BecomeUser != "" {
			args = append(args, "--become-user", opts.BecomeUser)
		}
		if opts.BecomeMethod != "" {
			args = append(args, "--become-method", opts.BecomeMethod)
		}
	}
	if opts.ConnectionTimeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(opts.ConnectionTimeout))
	}

	return append(args, opts.Playbook)
}
