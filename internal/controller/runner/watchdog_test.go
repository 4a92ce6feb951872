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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type firedDeadline struct {
	runID string
	kind  deadlineKind
}

func TestWatchdog_FiresInOrder(t *testing.T) {
	var mu sync.Mutex
	var fired []firedDeadline
	w := newWatchdog(func(runID string, kind deadlineKind) {
		mu.Lock()
		fired = append(fired, firedDeadline{runID, kind})
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	now := time.Now()
	w.Add("a", now.Add(50*time.Millisecond), now.Add(150*time.Millisecond))
	w.Add("b", time.Time{}, now.Add(100*time.Millisecond))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []firedDeadline{
		{"a", deadlineSoft},
		{"b", deadlineHard},
		{"a", deadlineHard},
	}, fired)
	assert.Equal(t, 0, w.Len())
}

func TestWatchdog_Remove(t *testing.T) {
	fired := make(chan string, 4)
	w := newWatchdog(func(runID string, _ deadlineKind) { fired <- runID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	now := time.Now()
	w.Add("gone", now.Add(50*time.Millisecond), now.Add(60*time.Millisecond))
	w.Add("kept", time.Time{}, now.Add(80*time.Millisecond))
	assert.Equal(t, 3, w.Len())
	w.Remove("gone")
	assert.Equal(t, 1, w.Len())

	select {
	case id := <-fired:
		assert.Equal(t, "kept", id)
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}
	select {
	case id := <-fired:
		t.Fatalf("unexpected deadline for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchdog_SoftAfterHardIsSkipped(t *testing.T) {
	w := newWatchdog(func(string, deadlineKind) {})
	now := time.Now()
	w.Add("x", now.Add(time.Hour), now.Add(time.Minute))
	assert.Equal(t, 1, w.Len())
}
