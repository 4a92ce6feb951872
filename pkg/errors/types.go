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

package errors

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a single invalid input field.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// ValidationErrors collects every field that failed validation in one pass.
type ValidationErrors struct {
	Fields []*ValidationError
}

// Add records a field failure.
func (e *ValidationErrors) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Len returns the number of recorded field failures.
func (e *ValidationErrors) Len() int {
	if e == nil {
		return 0
	}
	return len(e.Fields)
}

// OrNil returns e if any field failed, otherwise nil.
func (e *ValidationErrors) OrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}

// Error implements the error interface.
func (e *ValidationErrors) Error() string {
	if e.Len() == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ErrorType implements ErrorClassifier.
func (e *ValidationErrors) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationErrors) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "host")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "engine.max_workers")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "run execution")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return false }

// CapacityExceededError is returned when work cannot be admitted because the
// backing queue is unavailable. Callers may retry after RetryAfter.
type CapacityExceededError struct {
	Reason     string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *CapacityExceededError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("capacity exceeded: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("capacity exceeded: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CapacityExceededError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *CapacityExceededError) ErrorType() string { return "capacity_exceeded" }

// IsRetryable implements ErrorClassifier.
func (e *CapacityExceededError) IsRetryable() bool { return true }

// ProcessSpawnError means the external tool could not be started at all.
type ProcessSpawnError struct {
	Binary string
	Cause  error
}

// Error implements the error interface.
func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Binary, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ProcessSpawnError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ProcessSpawnError) ErrorType() string { return "process_spawn" }

// IsRetryable implements ErrorClassifier.
func (e *ProcessSpawnError) IsRetryable() bool { return false }

// TransientError marks a failure of supporting infrastructure (queue, broker,
// store, filesystem) that is expected to clear on its own.
type TransientError struct {
	// Component names the failing dependency (e.g., "store", "queue", "logdir")
	Component string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Component, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable implements ErrorClassifier.
func (e *TransientError) IsRetryable() bool { return true }

// CancellationError records a user-initiated stop. It is reported as an
// outcome rather than a failure.
type CancellationError struct {
	Reason string
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled: %s", e.Reason)
}

// ErrorType implements ErrorClassifier.
func (e *CancellationError) ErrorType() string { return "cancelled" }

// IsRetryable implements ErrorClassifier.
func (e *CancellationError) IsRetryable() bool { return false }
