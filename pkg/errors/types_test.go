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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *stagehanderrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &stagehanderrors.ValidationError{Field: "forks", Message: "must be between 1 and 200"},
			wantMsg: "validation failed on forks: must be between 1 and 200",
		},
		{
			name:    "without field",
			err:     &stagehanderrors.ValidationError{Message: "invalid format"},
			wantMsg: "validation failed: invalid format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestValidationErrors(t *testing.T) {
	t.Run("empty collection is nil", func(t *testing.T) {
		var errs stagehanderrors.ValidationErrors
		if err := errs.OrNil(); err != nil {
			t.Fatalf("OrNil() = %v, want nil", err)
		}
	})

	t.Run("collects fields in order", func(t *testing.T) {
		var errs stagehanderrors.ValidationErrors
		errs.Add("forks", "must be between %d and %d", 1, 200)
		errs.Add("verbosity", "must be between 0 and 4")

		err := errs.OrNil()
		if err == nil {
			t.Fatal("OrNil() returned nil with recorded fields")
		}
		msg := err.Error()
		if !strings.HasPrefix(msg, "validation failed: forks") {
			t.Errorf("unexpected message: %s", msg)
		}
		if !strings.Contains(msg, "verbosity: must be between 0 and 4") {
			t.Errorf("message missing second field: %s", msg)
		}

		var target *stagehanderrors.ValidationErrors
		if !errors.As(err, &target) || target.Len() != 2 {
			t.Errorf("errors.As should yield 2 fields, got %v", target)
		}
	})
}

func TestClassification(t *testing.T) {
	cause := errors.New("connection refused")
	tests := []struct {
		name      string
		err       error
		wantType  string
		retryable bool
	}{
		{"validation", &stagehanderrors.ValidationError{Field: "hosts"}, "validation", false},
		{"not found", &stagehanderrors.NotFoundError{Resource: "run", ID: "x"}, "not_found", false},
		{"capacity", &stagehanderrors.CapacityExceededError{Reason: "queue closed"}, "capacity_exceeded", true},
		{"spawn", &stagehanderrors.ProcessSpawnError{Binary: "ansible-playbook", Cause: cause}, "process_spawn", false},
		{"transient", &stagehanderrors.TransientError{Component: "store", Cause: cause}, "transient", true},
		{"timeout", &stagehanderrors.TimeoutError{Operation: "run", Duration: time.Second}, "timeout", false},
		{"cancelled", &stagehanderrors.CancellationError{Reason: "user"}, "cancelled", false},
		{"wrapped transient", fmt.Errorf("dispatch: %w", &stagehanderrors.TransientError{Component: "queue", Cause: cause}), "transient", true},
		{"plain", cause, "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stagehanderrors.TypeOf(tt.err); got != tt.wantType {
				t.Errorf("TypeOf() = %q, want %q", got, tt.wantType)
			}
			if got := stagehanderrors.IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cause := errors.New("exec: \"ansible-playbook\": executable file not found in $PATH")
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "spawn",
			err:  &stagehanderrors.ProcessSpawnError{Binary: "ansible-playbook", Cause: cause},
			want: "failed to start ansible-playbook: " + cause.Error(),
		},
		{
			name: "capacity with cause",
			err:  &stagehanderrors.CapacityExceededError{Reason: "queue unavailable", Cause: errors.New("nats: connection closed")},
			want: "capacity exceeded: queue unavailable: nats: connection closed",
		},
		{
			name: "timeout",
			err:  &stagehanderrors.TimeoutError{Operation: "run execution", Duration: 30 * time.Second},
			want: "run execution operation timed out after 30s",
		},
		{
			name: "cancellation without reason",
			err:  &stagehanderrors.CancellationError{},
			want: "cancelled",
		},
		{
			name: "config with key",
			err:  &stagehanderrors.ConfigError{Key: "engine.max_workers", Reason: "must be positive"},
			want: "config error at engine.max_workers: must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnwrapChains(t *testing.T) {
	root := errors.New("disk full")
	tests := []struct {
		name string
		err  error
	}{
		{"config", &stagehanderrors.ConfigError{Cause: root}},
		{"timeout", &stagehanderrors.TimeoutError{Cause: root}},
		{"capacity", &stagehanderrors.CapacityExceededError{Cause: root}},
		{"spawn", &stagehanderrors.ProcessSpawnError{Cause: root}},
		{"transient", &stagehanderrors.TransientError{Cause: root}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, root) {
				t.Errorf("errors.Is should find root cause through %T", tt.err)
			}
		})
	}
}
