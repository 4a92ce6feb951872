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

package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// DefaultLeaseTimeout is used when NewMemoryQueue is given zero.
const DefaultLeaseTimeout = 30 * time.Second

// MemoryQueue is an in-process Queue ordered by priority (highest first),
// then eligibility time, then insertion order.
type MemoryQueue struct {
	mu      sync.Mutex
	lease   time.Duration
	now     func() time.Time
	classes map[string]*jobHeap
	leased  map[string]*memoryDelivery
	queued  map[string]bool
	seq     uint64
	token   uint64
	notify  chan struct{}
	closed  bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue with the given lease timeout.
func NewMemoryQueue(lease time.Duration) *MemoryQueue {
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	return &MemoryQueue{
		lease:   lease,
		now:     time.Now,
		classes: make(map[string]*jobHeap),
		leased:  make(map[string]*memoryDelivery),
		queued:  make(map[string]bool),
		notify:  make(chan struct{}),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.queued[job.RunID] || q.leased[job.RunID] != nil {
		return nil
	}

	j := *job
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = q.now()
	}
	q.push(&j)
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context, class string) (Delivery, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}

		now := q.now()
		q.reapLocked(now)

		if d := q.popLocked(class, now); d != nil {
			q.mu.Unlock()
			return d, nil
		}

		wait := q.nextWakeLocked(class, now)
		ch := q.notify
		q.mu.Unlock()

		var (
			t     *time.Timer
			timer <-chan time.Time
		)
		if wait > 0 {
			t = time.NewTimer(wait)
			timer = t.C
		}

		select {
		case <-ctx.Done():
			err := ctx.Err()
			if t != nil {
				t.Stop()
			}
			return nil, err
		case <-ch:
		case <-timer:
		}
		if t != nil {
			t.Stop()
		}
	}
}

// Len implements Queue. Leased jobs are not counted.
func (q *MemoryQueue) Len(_ context.Context, class string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h := q.classes[class]; h != nil {
		return h.Len(), nil
	}
	return 0, nil
}

// Leased returns the number of jobs currently held by workers.
func (q *MemoryQueue) Leased() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leased)
}

// Close implements Queue. Blocked Dequeue calls return ErrQueueClosed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.signalLocked()
	}
	return nil
}

func (q *MemoryQueue) push(j *Job) {
	h := q.classes[j.Queue]
	if h == nil {
		h = &jobHeap{}
		q.classes[j.Queue] = h
	}
	q.seq++
	heap.Push(h, &heapItem{job: j, seq: q.seq})
	q.queued[j.RunID] = true
	q.signalLocked()
}

func (q *MemoryQueue) popLocked(class string, now time.Time) *memoryDelivery {
	h := q.classes[class]
	if h == nil || h.Len() == 0 {
		return nil
	}
	// The heap orders eligible jobs first, so the root decides.
	if (*h)[0].job.NotBefore.After(now) {
		return nil
	}
	it := heap.Pop(h).(*heapItem)
	delete(q.queued, it.job.RunID)

	q.token++
	d := &memoryDelivery{q: q, job: it.job, token: q.token, deadline: now.Add(q.lease)}
	q.leased[it.job.RunID] = d
	return d
}

// reapLocked returns expired leases to the queue.
func (q *MemoryQueue) reapLocked(now time.Time) {
	for id, d := range q.leased {
		if now.Before(d.deadline) {
			continue
		}
		delete(q.leased, id)
		j := *d.job
		j.Attempt++
		j.NotBefore = time.Time{}
		q.push(&j)
	}
}

func (q *MemoryQueue) nextWakeLocked(class string, now time.Time) time.Duration {
	var next time.Time
	if h := q.classes[class]; h != nil && h.Len() > 0 {
		next = (*h)[0].job.NotBefore
	}
	for _, d := range q.leased {
		if d.job.Queue == class && (next.IsZero() || d.deadline.Before(next)) {
			next = d.deadline
		}
	}
	if next.IsZero() {
		return 0
	}
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return time.Millisecond
}

func (q *MemoryQueue) signalLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

type memoryDelivery struct {
	q        *MemoryQueue
	job      *Job
	token    uint64
	deadline time.Time
}

func (d *memoryDelivery) Job() *Job { return d.job }

// current reports whether d still holds the lease. Callers hold q.mu.
func (d *memoryDelivery) current() bool {
	held := d.q.leased[d.job.RunID]
	return held != nil && held.token == d.token
}

func (d *memoryDelivery) Ack() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if !d.current() {
		return ErrLeaseLost
	}
	delete(d.q.leased, d.job.RunID)
	d.q.signalLocked()
	return nil
}

func (d *memoryDelivery) Nak(delay time.Duration) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if !d.current() {
		return ErrLeaseLost
	}
	delete(d.q.leased, d.job.RunID)
	if d.q.closed {
		return ErrQueueClosed
	}
	j := *d.job
	j.Attempt++
	j.NotBefore = d.q.now().Add(delay)
	d.q.push(&j)
	return nil
}

func (d *memoryDelivery) InProgress() error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	if !d.current() {
		return ErrLeaseLost
	}
	d.deadline = d.q.now().Add(d.q.lease)
	return nil
}

type heapItem struct {
	job *Job
	seq uint64
}

type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i].job, h[j].job
	if a.NotBefore.Equal(b.NotBefore) {
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return h[i].seq < h[j].seq
	}
	return a.NotBefore.Before(b.NotBefore)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
