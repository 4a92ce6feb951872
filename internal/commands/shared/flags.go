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

// Package shared holds the global flags, output helpers and exit handling
// used by every stagehand CLI command.
package shared

import (
	"os"

	"github.com/tombee/stagehand/internal/client"
)

// Global flag values - set by root command
var (
	hostFlag    string
	tokenFlag   string
	userFlag    string
	verboseFlag bool
	quietFlag   bool
	jsonFlag    bool

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Flags holds pointers to the global flag variables for binding.
type Flags struct {
	Host    *string
	Token   *string
	User    *string
	Verbose *bool
	Quiet   *bool
	JSON    *bool
}

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() Flags {
	return Flags{
		Host:    &hostFlag,
		Token:   &tokenFlag,
		User:    &userFlag,
		Verbose: &verboseFlag,
		Quiet:   &quietFlag,
		JSON:    &jsonFlag,
	}
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quietFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// ResetFlagsForTest restores every global flag to its zero value.
func ResetFlagsForTest() {
	hostFlag, tokenFlag, userFlag = "", "", ""
	verboseFlag, quietFlag, jsonFlag = false, false, false
}

// ConnectionSettings resolves the controller address and credentials.
// Flags win over environment variables.
func ConnectionSettings() client.Settings {
	s := client.Settings{
		Host:   os.Getenv(client.HostEnv),
		Token:  os.Getenv(client.TokenEnv),
		UserID: os.Getenv(client.UserIDEnv),
	}
	if hostFlag != "" {
		s.Host = hostFlag
	}
	if tokenFlag != "" {
		s.Token = tokenFlag
	}
	if userFlag != "" {
		s.UserID = userFlag
	}
	return s
}

// NewClient creates a controller client from the global flags and the
// environment.
func NewClient() (*client.Client, error) {
	c, err := client.Dial(ConnectionSettings())
	if err != nil {
		return nil, NewUsageError("invalid controller address", err)
	}
	return c, nil
}
