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

// Package queue provides the durable job queue between submission and the
// worker pool.
//
// Deliveries are leased: a worker must Ack once the run record is final,
// Nak to schedule a retry, or call InProgress to keep its lease alive. A
// lease that expires is delivered again.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrLeaseLost is returned when a delivery's lease expired and the job
	// was handed to another worker.
	ErrLeaseLost = errors.New("delivery lease lost")
)

// Kind distinguishes job types.
type Kind string

const (
	KindRun     Kind = "run"
	KindCleanup Kind = "cleanup"
)

// Job is one unit of queued work.
type Job struct {
	RunID      string    `json:"run_id"`
	Queue      string    `json:"queue"`
	Kind       Kind      `json:"kind"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	NotBefore  time.Time `json:"not_before,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is a leased job.
type Delivery interface {
	// Job returns the delivered job. Attempt counts earlier deliveries.
	Job() *Job

	// Ack removes the job from the queue.
	Ack() error

	// Nak releases the lease and makes the job eligible again after delay.
	Nak(delay time.Duration) error

	// InProgress extends the lease.
	InProgress() error
}

// Queue is a multi-class job queue.
type Queue interface {
	// Enqueue adds a job. Enqueueing a run id that is already queued or
	// leased is a no-op.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue blocks until a job of the class is eligible.
	Dequeue(ctx context.Context, class string) (Delivery, error)

	// Len returns the number of jobs of the class waiting for a worker.
	Len(ctx context.Context, class string) (int, error)

	Close() error
}
