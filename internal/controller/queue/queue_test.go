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
	"context"
	"errors"
	"testing"
	"time"
)

func dequeueNow(t *testing.T, q *MemoryQueue, class string) Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := q.Dequeue(ctx, class)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	return d
}

func TestMemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	ctx := context.Background()

	job := &Job{RunID: "run-1", Queue: "runs", Kind: KindRun}
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if n, _ := q.Len(ctx, "runs"); n != 1 {
		t.Errorf("Expected queue length 1, got %d", n)
	}

	d := dequeueNow(t, q, "runs")
	if d.Job().RunID != job.RunID {
		t.Errorf("Expected run %s, got %s", job.RunID, d.Job().RunID)
	}
	if d.Job().EnqueuedAt.IsZero() {
		t.Error("Expected EnqueuedAt to be set")
	}

	if n, _ := q.Len(ctx, "runs"); n != 0 {
		t.Errorf("Expected queue length 0, got %d", n)
	}
	if q.Leased() != 1 {
		t.Errorf("Expected 1 leased job, got %d", q.Leased())
	}

	if err := d.Ack(); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if q.Leased() != 0 {
		t.Errorf("Expected 0 leased jobs after ack, got %d", q.Leased())
	}
}

func TestMemoryQueue_Priority(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	ctx := context.Background()

	q.Enqueue(ctx, &Job{RunID: "low", Queue: "runs", Priority: 0})
	q.Enqueue(ctx, &Job{RunID: "high", Queue: "runs", Priority: 9})
	q.Enqueue(ctx, &Job{RunID: "med", Queue: "runs", Priority: 5})
	q.Enqueue(ctx, &Job{RunID: "med2", Queue: "runs", Priority: 5})

	for _, want := range []string{"high", "med", "med2", "low"} {
		d := dequeueNow(t, q, "runs")
		if d.Job().RunID != want {
			t.Errorf("Expected %s, got %s", want, d.Job().RunID)
		}
	}
}

func TestMemoryQueue_ClassesAreIndependent(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	ctx := context.Background()
	q.Enqueue(ctx, &Job{RunID: "cleanup-1", Queue: "maintenance", Kind: KindCleanup})

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, "runs"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded on empty class, got %v", err)
	}

	d := dequeueNow(t, q, "maintenance")
	if d.Job().Kind != KindCleanup {
		t.Errorf("Expected cleanup job, got %s", d.Job().Kind)
	}
}

func TestMemoryQueue_EnqueueIsIdempotent(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	ctx := context.Background()
	job := &Job{RunID: "run-1", Queue: "runs"}
	q.Enqueue(ctx, job)
	q.Enqueue(ctx, job)

	if n, _ := q.Len(ctx, "runs"); n != 1 {
		t.Fatalf("Expected one queued job, got %d", n)
	}

	d := dequeueNow(t, q, "runs")
	q.Enqueue(ctx, job)
	if n, _ := q.Len(ctx, "runs"); n != 0 {
		t.Errorf("Expected leased job not to be re-queued, got %d", n)
	}

	d.Ack()
	q.Enqueue(ctx, job)
	if n, _ := q.Len(ctx, "runs"); n != 1 {
		t.Errorf("Expected job to be queued again after ack, got %d", n)
	}
}

func TestMemoryQueue_NakDelays(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	ctx := context.Background()
	q.Enqueue(ctx, &Job{RunID: "run-1", Queue: "runs"})

	d := dequeueNow(t, q, "runs")
	start := time.Now()
	if err := d.Nak(100 * time.Millisecond); err != nil {
		t.Fatalf("Nak failed: %v", err)
	}

	d2 := dequeueNow(t, q, "runs")
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Expected redelivery after delay, got %v", elapsed)
	}
	if d2.Job().Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", d2.Job().Attempt)
	}

	if err := d.Ack(); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for stale delivery, got %v", err)
	}
}

func TestMemoryQueue_LeaseExpiryRedelivers(t *testing.T) {
	q := NewMemoryQueue(50 * time.Millisecond)
	defer q.Close()

	ctx := context.Background()
	q.Enqueue(ctx, &Job{RunID: "run-1", Queue: "runs"})

	first := dequeueNow(t, q, "runs")
	second := dequeueNow(t, q, "runs")

	if second.Job().RunID != "run-1" || second.Job().Attempt != 1 {
		t.Errorf("Expected run-1 attempt 1, got %s attempt %d", second.Job().RunID, second.Job().Attempt)
	}
	if err := first.InProgress(); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost, got %v", err)
	}
}

func TestMemoryQueue_InProgressExtendsLease(t *testing.T) {
	q := NewMemoryQueue(80 * time.Millisecond)
	defer q.Close()

	ctx := context.Background()
	q.Enqueue(ctx, &Job{RunID: "run-1", Queue: "runs"})
	d := dequeueNow(t, q, "runs")

	for i := 0; i < 4; i++ {
		time.Sleep(40 * time.Millisecond)
		if err := d.InProgress(); err != nil {
			t.Fatalf("InProgress failed: %v", err)
		}
	}
	if err := d.Ack(); err != nil {
		t.Errorf("Expected lease to be held, got %v", err)
	}
}

func TestMemoryQueue_DequeueBlocks(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, "runs")
	if err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestMemoryQueue_DequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	defer q.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Enqueue(context.Background(), &Job{RunID: "late", Queue: "runs"})
	}()

	d := dequeueNow(t, q, "runs")
	if d.Job().RunID != "late" {
		t.Errorf("Expected late, got %s", d.Job().RunID)
	}
}

func TestMemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(time.Minute)

	ctx := context.Background()
	job := &Job{RunID: "run-1", Queue: "runs"}
	q.Enqueue(ctx, job)

	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, "other")
		done <- err
	}()

	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if err != ErrQueueClosed {
			t.Errorf("Expected ErrQueueClosed from blocked Dequeue, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Dequeue did not return after Close")
	}

	if err := q.Enqueue(ctx, job); err != ErrQueueClosed {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
	if _, err := q.Dequeue(ctx, "runs"); err != ErrQueueClosed {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}
