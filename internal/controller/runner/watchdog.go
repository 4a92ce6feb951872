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
	"container/heap"
	"context"
	"sync"
	"time"
)

type deadlineKind int

const (
	deadlineSoft deadlineKind = iota
	deadlineHard
)

func (k deadlineKind) String() string {
	if k == deadlineSoft {
		return "soft"
	}
	return "hard"
}

type deadline struct {
	runID string
	at    time.Time
	kind  deadlineKind
	index int
}

type deadlineHeap []*deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	d := x.(*deadline)
	d.index = len(*h)
	*h = append(*h, d)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*h = old[:n-1]
	return d
}

// watchdog fires soft and hard deadlines from a single goroutine.
type watchdog struct {
	fire func(runID string, kind deadlineKind)
	now  func() time.Time

	mu      sync.Mutex
	heap    deadlineHeap
	entries map[string][]*deadline
	wake    chan struct{}
}

func newWatchdog(fire func(runID string, kind deadlineKind)) *watchdog {
	return &watchdog{
		fire:    fire,
		now:     time.Now,
		entries: make(map[string][]*deadline),
		wake:    make(chan struct{}, 1),
	}
}

// Add schedules the deadlines for a run. A zero soft deadline, or one not
// before hard, is skipped.
func (w *watchdog) Add(runID string, soft, hard time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.removeLocked(runID)
	var ds []*deadline
	if !soft.IsZero() && soft.Before(hard) {
		ds = append(ds, &deadline{runID: runID, at: soft, kind: deadlineSoft})
	}
	ds = append(ds, &deadline{runID: runID, at: hard, kind: deadlineHard})
	for _, d := range ds {
		heap.Push(&w.heap, d)
	}
	w.entries[runID] = ds
	w.poke()
}

// Remove cancels any pending deadlines for a run.
func (w *watchdog) Remove(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removeLocked(runID)
}

// Len returns the number of pending deadlines.
func (w *watchdog) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heap.Len()
}

func (w *watchdog) removeLocked(runID string) {
	for _, d := range w.entries[runID] {
		if d.index >= 0 {
			heap.Remove(&w.heap, d.index)
		}
	}
	delete(w.entries, runID)
}

func (w *watchdog) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run fires deadlines until ctx is done.
func (w *watchdog) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		due, wait := w.collect()
		for _, d := range due {
			w.fire(d.runID, d.kind)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-timer.C:
		}
	}
}

func (w *watchdog) collect() ([]*deadline, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	var due []*deadline
	for w.heap.Len() > 0 && !w.heap[0].at.After(now) {
		d := heap.Pop(&w.heap).(*deadline)
		due = append(due, d)
		rest := w.entries[d.runID][:0]
		for _, e := range w.entries[d.runID] {
			if e != d {
				rest = append(rest, e)
			}
		}
		if len(rest) == 0 {
			delete(w.entries, d.runID)
		} else {
			w.entries[d.runID] = rest
		}
	}

	wait := time.Hour
	if w.heap.Len() > 0 {
		wait = w.heap[0].at.Sub(now)
	}
	return due, wait
}
