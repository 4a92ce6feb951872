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
	"testing"
	"time"

	stagehanderrors "github.com/tombee/stagehand/pkg/errors"
)

func TestClassificationThroughWrapping(t *testing.T) {
	spawn := &stagehanderrors.ProcessSpawnError{Binary: "ansible-playbook", Cause: errors.New("not found")}
	wrapped := fmt.Errorf("run %s: %w", "abc", spawn)

	if got := stagehanderrors.TypeOf(wrapped); got != "process_spawn" {
		t.Errorf("TypeOf() = %q, want process_spawn", got)
	}
	if stagehanderrors.IsRetryable(wrapped) {
		t.Error("spawn failures should not be retryable")
	}

	transient := fmt.Errorf("update: %w", &stagehanderrors.TransientError{Component: "store", Cause: errors.New("database is locked")})
	if !stagehanderrors.IsRetryable(transient) {
		t.Error("wrapped transient error should be retryable")
	}

	plain := errors.New("boom")
	if got := stagehanderrors.TypeOf(plain); got != "internal" {
		t.Errorf("TypeOf(plain) = %q, want internal", got)
	}
	if stagehanderrors.IsRetryable(plain) || stagehanderrors.IsRetryable(nil) {
		t.Error("unclassified errors should not be retryable")
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("submit: %w", &stagehanderrors.CapacityExceededError{Reason: "queue unavailable", RetryAfter: 5 * time.Second})

	d, ok := stagehanderrors.RetryAfter(err)
	if !ok || d != 5*time.Second {
		t.Errorf("RetryAfter() = %v, %v; want 5s, true", d, ok)
	}

	if _, ok := stagehanderrors.RetryAfter(&stagehanderrors.NotFoundError{Resource: "run", ID: "x"}); ok {
		t.Error("RetryAfter should not match other error types")
	}
}
