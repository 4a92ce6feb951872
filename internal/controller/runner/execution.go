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

package runner

import (
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tombee/stagehand/internal/controller/process"
)

// execution is the local, in-memory side of a running run.
type execution struct {
	runID string
	grace time.Duration

	mu           sync.Mutex
	proc         *process.Process
	cancelled    bool
	cancelReason string
	timedOut     bool
	timeoutKind  deadlineKind
	superseded   bool

	stdout atomic.Int64
	stderr atomic.Int64
	phase  atomic.Value // string

	done chan struct{}
	once sync.Once
}

func newExecution(runID string, grace time.Duration) *execution {
	return &execution{runID: runID, grace: grace, done: make(chan struct{})}
}

// attach records the started process and applies any signal requested
// before it existed.
func (x *execution) attach(p *process.Process) {
	x.mu.Lock()
	x.proc = p
	cancelled, timedOut := x.cancelled, x.timedOut
	x.mu.Unlock()

	switch {
	case timedOut:
		p.Kill()
	case cancelled:
		go p.Terminate(x.grace)
	}
}

// requestCancel terminates the process (two-phase) if it is running.
func (x *execution) requestCancel(reason string) {
	x.mu.Lock()
	if x.cancelled {
		x.mu.Unlock()
		return
	}
	x.cancelled = true
	x.cancelReason = reason
	p := x.proc
	x.mu.Unlock()

	if p != nil {
		go p.Terminate(x.grace)
	}
}

// deadline applies a watchdog deadline: soft sends SIGTERM, hard kills.
func (x *execution) deadline(kind deadlineKind) {
	x.mu.Lock()
	if !x.timedOut || kind == deadlineHard {
		x.timeoutKind = kind
	}
	x.timedOut = true
	p := x.proc
	x.mu.Unlock()

	if p == nil {
		return
	}
	if kind == deadlineSoft {
		p.Signal(syscall.SIGTERM)
		return
	}
	p.Kill()
}

func (x *execution) outcome() (timedOut bool, kind deadlineKind, cancelled bool, reason string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.timedOut, x.timeoutKind, x.cancelled, x.cancelReason
}

// Line implements process.Sink for progress tracking.
func (x *execution) observe(stream process.Stream, text string) {
	if stream == process.Stdout {
		x.stdout.Add(1)
		if phase, ok := phaseOf(text); ok {
			x.phase.Store(phase)
		}
		return
	}
	x.stderr.Add(1)
}

func (x *execution) currentPhase() string {
	if v, ok := x.phase.Load().(string); ok {
		return v
	}
	return ""
}

func (x *execution) finish() {
	x.once.Do(func() { close(x.done) })
}

// phaseOf recognizes play and task banners ("TASK [name] ****").
func phaseOf(line string) (string, bool) {
	for _, prefix := range []string{"PLAY [", "TASK [", "RUNNING HANDLER [", "PLAY RECAP"} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimRight(line, "* ")), true
		}
	}
	return "", false
}

// supersede kills the process because the record is no longer ours.
func (x *execution) supersede() {
	x.mu.Lock()
	x.superseded = true
	x.mu.Unlock()
	x.abort()
}

func (x *execution) isSuperseded() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.superseded
}

// abort kills the process without recording a cancel or timeout.
func (x *execution) abort() {
	x.mu.Lock()
	p := x.proc
	x.mu.Unlock()
	if p != nil {
		p.Kill()
	}
}
