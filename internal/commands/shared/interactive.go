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

package shared

import (
	"os"

	"golang.org/x/term"
)

// NonInteractiveEnv forces prompt-free behaviour when set to "true".
const NonInteractiveEnv = "STAGEHAND_NON_INTERACTIVE"

// ciEnv lists variables set by common CI systems. A value of "true" or
// "1" counts; JENKINS_HOME counts when set at all.
var ciEnv = []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "CIRCLECI", "BUILDKITE", "JENKINS_HOME"}

// IsNonInteractive reports whether prompts must be skipped: the override
// variable is set, a CI system is detected, or stdin is not a terminal.
func IsNonInteractive() bool {
	if os.Getenv(NonInteractiveEnv) == "true" {
		return true
	}
	for _, name := range ciEnv {
		switch v := os.Getenv(name); {
		case v == "true" || v == "1":
			return true
		case name == "JENKINS_HOME" && v != "":
			return true
		}
	}
	return !term.IsTerminal(int(os.Stdin.Fd()))
}
