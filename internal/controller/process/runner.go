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

// Package process spawns and supervises ansible-playbook processes.
//
// Each run gets its own process group so termination reaches every child.
// Output is split into lines; every line is appended to the run's log file
// before it is handed to the caller's Sink.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tombee/stagehand/internal/controller/model"
	"github.com/tombee/stagehand/internal/jq"
	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

// DefaultSummaryQuery extracts host stats from json callback output.
const DefaultSummaryQuery = ".stats"

// drainTimeout bounds how long output readers may run after the group is
// gone.
const drainTimeout = 5 * time.Second

// Stream identifies an output stream.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Sink consumes output lines. Calls are serialized.
type Sink interface {
	Line(stream Stream, text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(stream Stream, text string)

// Line implements Sink.
func (f SinkFunc) Line(stream Stream, text string) { f(stream, text) }

// Invocation describes one process to start.
type Invocation struct {
	RunID   string
	Options model.Options
	LogPath string
}

// Result is the outcome of a finished process.
type Result struct {
	ExitCode    int
	Summary     model.Summary
	Forced      bool
	Signal      string
	StdoutLines int
	StderrLines int
	Err         error
}

// Config configures a Runner.
type Config struct {
	Binary        string
	Dir           string
	Env           []string
	InventoryPath string
	SummaryQuery  string
	MaxJSONOutput int
}

// Runner starts processes.
type Runner struct {
	binary    string
	dir       string
	env       []string
	inventory string
	query     *jq.Query
	maxJSON   int
	logger    *slog.Logger
}

// NewRunner creates a Runner. The summary query is compiled up front.
func NewRunner(cfg Config, logger *slog.Logger) (*Runner, error) {
	if cfg.Binary == "" {
		cfg.Binary = "ansible-playbook"
	}
	if cfg.SummaryQuery == "" {
		cfg.SummaryQuery = DefaultSummaryQuery
	}
	if cfg.MaxJSONOutput <= 0 {
		cfg.MaxJSONOutput = jq.DefaultMaxInputSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	query, err := jq.Compile(cfg.SummaryQuery, 0, cfg.MaxJSONOutput)
	if err != nil {
		return nil, &stagehanderrors.ConfigError{Key: "engine.summary_query", Reason: err.Error(), Cause: err}
	}

	return &Runner{
		binary:    cfg.Binary,
		dir:       cfg.Dir,
		env:       cfg.Env,
		inventory: cfg.InventoryPath,
		query:     query,
		maxJSON:   cfg.MaxJSONOutput,
		logger:    logger.With(slog.String("component", "process")),
	}, nil
}

// Args returns the full argument list for opts.
func (r *Runner) Args(opts model.Options) []string {
	return BuildArgs(opts, r.inventory)
}

// Start spawns the process. A failure to open the log file is transient; a
// failure to exec the binary is a *errors.ProcessSpawnError.
func (r *Runner) Start(ctx context.Context, inv Invocation, sink Sink) (*Process, error) {
	if err := os.MkdirAll(filepath.Dir(inv.LogPath), 0o750); err != nil {
		return nil, &stagehanderrors.TransientError{Component: "logdir", Cause: err}
	}
	logFile, err := os.OpenFile(inv.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, &stagehanderrors.TransientError{Component: "logdir", Cause: err}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		logFile.Close()
		return nil, &stagehanderrors.TransientError{Component: "process", Cause: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		logFile.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, &stagehanderrors.TransientError{Component: "process", Cause: err}
	}

	cmd := exec.Command(r.binary, r.Args(inv.Options)...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "ANSIBLE_FORCE_COLOR=0")
	cmd.Env = append(cmd.Env, r.env...)
	cmd.Stdin = nil
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	p := &Process{
		runID:     inv.RunID,
		logFile:   logFile,
		sink:      sink,
		collector: newSummaryCollector(r.maxJSON),
		query:     r.query,
		logger:    r.logger.With(slog.String("run_id", inv.RunID)),
		done:      make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, &stagehanderrors.ProcessSpawnError{Binary: r.binary, Cause: err}
	}
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.logger.Debug("process started", slog.Int("pid", p.pid), slog.String("binary", r.binary))

	p.readers.Add(2)
	go p.read(stdoutR, newLineWriter(Stdout, p.emit))
	go p.read(stderrR, newLineWriter(Stderr, p.emit))
	go p.wait(ctx)

	return p, nil
}

// Process is a running process group.
type Process struct {
	runID     string
	cmd       *exec.Cmd
	pid       int
	logFile   *os.File
	sink      Sink
	collector *summaryCollector
	query     *jq.Query
	logger    *slog.Logger

	outMu       sync.Mutex
	stdoutLines int
	stderrLines int
	logErr      error

	readers sync.WaitGroup

	sigMu  sync.Mutex
	forced bool
	exited bool

	done   chan struct{}
	result Result
}

// PID returns the process (and process group) id.
func (p *Process) PID() int { return p.pid }

// Done is closed when Wait's result is available.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits and its output is drained.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}

// Terminate sends SIGTERM to the group, waits up to grace, then sends
// SIGKILL. It returns once the process has exited.
func (p *Process) Terminate(grace time.Duration) {
	p.signal(syscall.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	p.signal(syscall.SIGKILL)
	<-p.done
}

// Signal sends sig to the whole group and marks the result as forced.
func (p *Process) Signal(sig syscall.Signal) {
	p.signal(sig)
}

// Kill sends SIGKILL to the group immediately.
func (p *Process) Kill() {
	p.signal(syscall.SIGKILL)
}

func (p *Process) signal(sig syscall.Signal) {
	p.sigMu.Lock()
	if p.exited {
		p.sigMu.Unlock()
		return
	}
	p.forced = true
	p.sigMu.Unlock()

	if err := syscall.Kill(-p.pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warn("failed to signal process group", slog.String("signal", sig.String()), slog.Any("error", err))
	}
}

func (p *Process) emit(stream Stream, text string) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	if p.logErr == nil {
		if _, err := io.WriteString(p.logFile, text+"\n"); err != nil {
			p.logErr = err
			p.logger.Error("failed to write run log", slog.Any("error", err))
		}
	}

	if stream == Stdout {
		p.stdoutLines++
		p.collector.observe(text)
	} else {
		p.stderrLines++
	}

	if p.sink != nil {
		p.sink.Line(stream, text)
	}
}

func (p *Process) read(r *os.File, w *lineWriter) {
	defer p.readers.Done()
	defer r.Close()
	_, _ = io.Copy(w, r)
	w.Flush()
}

func (p *Process) wait(ctx context.Context) {
	waitErr := p.cmd.Wait()

	// Signals sent from here on arrive after a natural exit.
	p.sigMu.Lock()
	p.exited = true
	forced := p.forced
	p.sigMu.Unlock()

	// Stragglers still in the group would hold the pipes open.
	if err := syscall.Kill(-p.pid, syscall.SIGKILL); err == nil {
		p.logger.Debug("killed remaining process group members")
	}

	drained := make(chan struct{})
	go func() {
		p.readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		p.logger.Warn("output readers did not finish after exit")
	}

	p.outMu.Lock()
	res := Result{
		StdoutLines: p.stdoutLines,
		StderrLines: p.stderrLines,
	}
	res.Summary = p.collector.summary(context.WithoutCancel(ctx), p.query)
	logErr := p.logErr
	p.outMu.Unlock()

	if err := p.logFile.Sync(); err != nil && logErr == nil {
		logErr = err
	}
	if err := p.logFile.Close(); err != nil && logErr == nil {
		logErr = err
	}

	state := p.cmd.ProcessState
	res.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signal = ws.Signal().String()
	}
	if forced || res.Signal != "" {
		res.Forced = forced
		res.ExitCode = model.ExitCodeForced
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		res.Err = fmt.Errorf("failed waiting for process: %w", waitErr)
	} else if logErr != nil {
		res.Err = &stagehanderrors.TransientError{Component: "logdir", Cause: logErr}
	}

	p.logger.Debug("process exited",
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("forced", res.Forced),
		slog.Int("stdout_lines", res.StdoutLines),
		slog.Int("stderr_lines", res.StderrLines))

	p.result = res
	close(p.done)
}
