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

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/tombee/stagehand/internal/controller"
	"github.com/tombee/stagehand/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = pflag.StringP("config", "c", os.Getenv("STAGEHAND_CONFIG"), "Path to the YAML config file")
		listen      = pflag.String("listen", "", "Listen address (host:port or unix:///path)")
		backendType = pflag.String("backend", "", "Storage backend (memory, sqlite, postgres)")
		queueType   = pflag.String("queue", "", "Job queue (memory, jetstream)")
		dataDir     = pflag.String("data-dir", "", "Directory for logs, archives and the sqlite database")
		instanceID  = pflag.String("instance-id", "", "Instance ID used for run ownership and leader election")
		inventory   = pflag.String("inventory", "", "Inventory file used to resolve target hosts")
		showVersion = pflag.Bool("version", false, "Show version information")
	)
	pflag.Parse()

	if *showVersion {
		fmt.Printf("stagehandd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := controller.Run(controller.RunOptions{
		Version:    version,
		Commit:     commit,
		BuildDate:  buildDate,
		ConfigPath: *configPath,
		Listen:     *listen,
		Backend:    *backendType,
		Queue:      *queueType,
		DataDir:    *dataDir,
		InstanceID: *instanceID,
		Inventory:  *inventory,
	})
	if err != nil {
		logger := log.New(log.FromEnv())
		logger.Error("controller exited", slog.Any("error", err))
		os.Exit(1)
	}
}
