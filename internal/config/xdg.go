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

package config

import (
	"os"
	"path/filepath"
)

// configFileName is the daemon config file looked up in the XDG config dir.
const configFileName = "stagehandd.yaml"

// ConfigDir returns $XDG_CONFIG_HOME/stagehand, or ~/.config/stagehand.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "stagehand"), nil
}

// ResolvePath returns explicit when set. Otherwise it returns the config
// file in ConfigDir if one exists, or "" for defaults plus environment.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	dir, err := ConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, configFileName)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}

func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "stagehand")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "stagehand-data")
	}
	return filepath.Join(home, ".stagehand", "data")
}
