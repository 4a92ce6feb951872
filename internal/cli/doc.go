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

/*
Package cli provides the root command for the stagehand CLI.

This package builds the Cobra command tree and handles global concerns like
version information, persistent flags and exit codes. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	stagehand
	├── submit        Queue a playbook run
	├── status        Show the state of a run
	├── result        Show the outcome and play recap of a run
	├── logs          Print or follow a run's output
	├── cancel        Cancel a run
	├── history       List runs
	├── stats         Success rates, durations and trends
	├── export        Export runs as CSV or JSON
	├── cleanup       Apply retention
	├── health        Resource usage and alerts
	├── thresholds    Show or change alert thresholds
	├── login         Save an API token in the OS keyring
	├── logout        Remove the saved token
	└── version       Show version

# Exit Codes

	0  success
	1  command failed, or the followed run failed or timed out
	2  invalid flags or input rejected by the controller
	3  controller unreachable, draining or over capacity
	4  run not found
	5  followed run was cancelled
*/
package cli
