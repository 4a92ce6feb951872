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

package memory

import (
	"testing"

	"github.com/tombee/stagehand/internal/controller/backend"
	"github.com/tombee/stagehand/internal/controller/backend/backendtest"
)

func TestMemoryBackend(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) backend.Backend {
		return New()
	})
}

func TestGetReturnsCopy(t *testing.T) {
	be := New()
	run := backendtest.NewRun("run-1", 0)
	if err := be.CreateRun(t.Context(), run); err != nil {
		t.Fatal(err)
	}

	got, _ := be.GetRun(t.Context(), "run-1")
	got.Options.Hosts[0] = "mutated"

	again, _ := be.GetRun(t.Context(), "run-1")
	if again.Options.Hosts[0] != "web1" {
		t.Errorf("store shares memory with callers: %v", again.Options.Hosts)
	}
}
