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
	"errors"
	"log/slog"
	"time"

	"github.com/tombee/stagehand/internal/controller/queue"
)

const (
	dequeueErrorDelay = time.Second
	depthInterval     = 5 * time.Second
)

// claimLoop claims deliveries of one class. A class slot is taken before
// dequeueing and a global slot after, so a busy class never blocks another
// class from claiming. Workers run on workCtx, which outlives draining.
func (e *Engine) claimLoop(loopCtx, workCtx context.Context, class string) {
	defer e.claimers.Done()

	slots := e.classes[class]
	logger := e.logger.With(slog.String("queue", class))

	for {
		select {
		case slots <- struct{}{}:
		case <-loopCtx.Done():
			return
		}

		d, err := e.queue.Dequeue(loopCtx, class)
		if err != nil {
			<-slots
			if loopCtx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			logger.Warn("dequeue failed", slog.Any("error", err))
			if e.metrics != nil {
				e.metrics.RecordRetry("queue")
			}
			select {
			case <-time.After(dequeueErrorDelay):
			case <-loopCtx.Done():
				return
			}
			continue
		}

		select {
		case e.global <- struct{}{}:
		case <-loopCtx.Done():
			// Hand the job back for another instance.
			_ = d.Nak(0)
			<-slots
			return
		}

		e.workers.Add(1)
		e.setBusy(class, 1)
		go func() {
			defer func() {
				e.setBusy(class, -1)
				<-e.global
				<-slots
				e.workers.Done()
			}()
			e.handle(workCtx, d)
		}()
	}
}

func (e *Engine) setBusy(class string, delta int64) {
	n := e.busy[class].Add(delta)
	if e.metrics != nil {
		e.metrics.SetBusyWorkers(class, int(n))
	}
}

func (e *Engine) sampleQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		for class := range e.classes {
			if n, err := e.queue.Len(ctx, class); err == nil {
				e.metrics.SetQueueDepth(class, n)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
