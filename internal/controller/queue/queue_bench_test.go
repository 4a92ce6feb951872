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
	"fmt"
	"testing"
	"time"
)

func fill(b *testing.B, q *MemoryQueue, n int) {
	b.Helper()
	for i := range n {
		job := &Job{RunID: fmt.Sprintf("run-%d", i), Queue: "runs", Priority: i % 10}
		if err := q.Enqueue(context.Background(), job); err != nil {
			b.Fatalf("fill: %v", err)
		}
	}
}

// Enqueue cost as the priority heap grows.
func BenchmarkMemoryQueue_Enqueue(b *testing.B) {
	for _, depth := range []int{100, 1000, 10000} {
		b.Run(fmt.Sprintf("depth=%d", depth), func(b *testing.B) {
			q := NewMemoryQueue(time.Minute)
			fill(b, q, depth)
			ctx := context.Background()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := q.Enqueue(ctx, &Job{RunID: fmt.Sprintf("bench-%d", i), Queue: "runs"}); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// A claim, ack and refill cycle at a steady depth of 1000.
func BenchmarkMemoryQueue_Cycle(b *testing.B) {
	q := NewMemoryQueue(time.Minute)
	fill(b, q, 1000)
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		d, err := q.Dequeue(ctx, "runs")
		if err != nil {
			b.Fatal(err)
		}
		if err := d.Ack(); err != nil {
			b.Fatal(err)
		}
		if err := q.Enqueue(ctx, &Job{RunID: fmt.Sprintf("refill-%d", i), Queue: "runs", Priority: i % 10}); err != nil {
			b.Fatal(err)
		}
	}
}
