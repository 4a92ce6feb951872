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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusSuccess, false},
		{StatusPending, StatusTimeout, false},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusTimeout, true},
		{StatusRunning, StatusPending, false},
		{StatusSuccess, StatusFailed, false},
		{StatusCancelled, StatusRunning, false},
		{StatusTimeout, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range Statuses {
		if !s.IsTerminal() {
			continue
		}
		for _, to := range Statuses {
			assert.False(t, CanTransition(s, to), "%s must be final", s)
		}
	}
	assert.False(t, Status("bogus").Valid())
	assert.True(t, StatusTimeout.Valid())
}

func TestOutcome(t *testing.T) {
	clean := Summary{}
	clean.Set("web1", HostCounts{OK: 1, Changed: 1})
	clean.Set("web2", HostCounts{OK: 1})

	failed := Summary{}
	failed.Set("web1", HostCounts{OK: 3, Failed: 1})

	unreachable := Summary{}
	unreachable.Set("db1", HostCounts{Unreachable: 1})

	assert.Equal(t, StatusSuccess, Outcome(0, clean))
	assert.Equal(t, HostCounts{OK: 2, Changed: 1}, clean.Totals)
	assert.Equal(t, StatusFailed, Outcome(0, failed))
	assert.Equal(t, StatusFailed, Outcome(0, unreachable))
	assert.Equal(t, StatusFailed, Outcome(2, clean))
	assert.Equal(t, StatusSuccess, Outcome(0, Summary{}))
}

func TestSummarySetReplacesHost(t *testing.T) {
	var s Summary
	assert.True(t, s.Empty())

	s.Set("web1", HostCounts{OK: 1, Failed: 1})
	s.Set("web1", HostCounts{OK: 2})
	assert.Equal(t, HostCounts{OK: 2}, s.Totals)
	assert.False(t, s.HasFailures())

	c := s.Clone()
	c.Set("web2", HostCounts{Failed: 1})
	assert.Len(t, s.Hosts, 1, "clone must not alias the original")
}
