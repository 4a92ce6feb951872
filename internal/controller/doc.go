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
Package controller assembles the stagehandd server process.

The Controller wires the subsystems under internal/controller together:

  - backend: the durable run store (memory, sqlite or postgres)
  - queue: the job queue feeding the engine (memory or NATS JetStream)
  - runner: the engine that admits, runs, cancels and recovers runs
  - broadcast: the per-run event hub behind the SSE stream
  - stats: history, statistics, export and retention cleanup
  - health: host sampling and threshold alerts
  - leader: the election that lets one postgres-backed instance schedule cleanup
  - api: the chi router serving the HTTP API

# Usage

	cfg, _ := config.Load("/etc/stagehand/stagehand.yaml")
	c, err := controller.New(ctx, cfg, controller.Options{Version: "1.0.0"})
	if err != nil {
	    log.Fatal(err)
	}

	go func() {
	    if err := c.Start(ctx); err != nil {
	        log.Fatal(err)
	    }
	}()

	// Graceful shutdown: drain, stop the engine, close the server.
	c.Shutdown(context.Background())

Run wraps the above with signal handling for cmd/stagehandd.
*/
package controller
