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
Package runner is the execution engine: it admits runs, schedules them
onto a bounded worker pool, supervises their processes and drives each
run record through its lifecycle.

# Key Types

  - Engine: submission, cancellation, pool and shutdown
  - Config: pool sizes, timeouts and retry policy
  - MetricsCollector: optional observability hooks

# Usage

	eng := runner.New(cfg, store, q, procs, hub,
	    runner.WithLogger(logger),
	    runner.WithMetrics(m),
	)
	if err := eng.Start(ctx); err != nil {
	    return err
	}
	defer eng.Stop(context.Background())

	run, err := eng.Submit(ctx, opts, userID)

# Lifecycle

A run is created pending and moves to running only once its process has
started. Terminal states are success, failed, cancelled and timeout. Every
status change is a compare-and-swap in the store under a per-run lock, and
emits exactly one status event on the broadcast hub.

# Concurrency Control

Each queue class has its own claim loop and slot limit, and every worker
also holds a global slot. A worker keeps its delivery leased until the run
record is final, then acknowledges it.

# Timeouts

The watchdog sends SIGTERM to the process group at the soft deadline and
SIGKILL at the hard deadline. A run that reaches the hard deadline ends in
timeout regardless of how the process exits.

# Recovery

On Start, runs this instance left running are failed and pending runs are
enqueued again.
*/
package runner
