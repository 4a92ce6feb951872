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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/tombee/stagehand/internal/client"
)

// Exit codes for stagehand commands
const (
	ExitSuccess     = 0
	ExitRunFailed   = 1 // Command failed, or the followed run did not succeed
	ExitUsage       = 2 // Invalid flags or rejected input
	ExitUnavailable = 3 // Controller unreachable, draining or over capacity
	ExitNotFound    = 4 // Run does not exist
	ExitCancelled   = 5 // Followed run was cancelled
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewUsageError creates an error for invalid flags or arguments
func NewUsageError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitUsage, Message: msg, Cause: cause}
}

// NewRunError creates an error for a run that ended without success
func NewRunError(msg string) *ExitError {
	return &ExitError{Code: ExitRunFailed, Message: msg}
}

// ExitCodeForStatus maps a terminal run status onto a process exit code.
func ExitCodeForStatus(status string) int {
	switch status {
	case "success":
		return ExitSuccess
	case "cancelled":
		return ExitCancelled
	default:
		return ExitRunFailed
	}
}

// ExitCode returns the exit code err should produce.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusConflict, http.StatusRequestEntityTooLarge:
			return ExitUsage
		case http.StatusNotFound:
			return ExitNotFound
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return ExitUnavailable
		}
		return ExitRunFailed
	}

	if isConnectionError(err) {
		return ExitUnavailable
	}
	return ExitRunFailed
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT)
}

// PrintError writes err, and any hint for it, to w.
func PrintError(w io.Writer, err error) {
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, RenderError(msg))
	}

	if after, ok := client.IsUnavailable(err); ok && after > 0 {
		fmt.Fprintf(w, "\nSuggestion: retry in %s\n", after)
	} else if isConnectionError(err) {
		fmt.Fprintf(w, "\nSuggestion: check that stagehandd is running and %s points at it\n", client.HostEnv)
	}
}

// HandleExitError prints err and exits with the matching code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Message != "" {
		PrintError(os.Stderr, err)
	}
	os.Exit(ExitCode(err))
}
