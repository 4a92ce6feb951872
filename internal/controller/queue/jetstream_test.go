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
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/config"
)

// Requires a JetStream-enabled server, e.g. `nats-server -js`.
func newTestJetStream(t *testing.T) *JetStreamQueue {
	t.Helper()
	url := os.Getenv("STAGEHAND_TEST_NATS_URL")
	if url == "" {
		t.Skip("STAGEHAND_TEST_NATS_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	q, err := NewJetStreamQueue(ctx, config.JetStreamConfig{
		URL:           url,
		Stream:        "STAGEHAND_TEST_" + suffix,
		SubjectPrefix: "stagehand-test-" + suffix,
		Replicas:      1,
	}, 2*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.js.DeleteStream(q.cfg.Stream)
		_ = q.Close()
	})
	return q
}

func TestJetStreamQueue_RoundTrip(t *testing.T) {
	q := newTestJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	job := &Job{RunID: "run-1", Queue: "runs", Kind: KindRun}
	require.NoError(t, q.Enqueue(ctx, job))
	require.NoError(t, q.Enqueue(ctx, job), "duplicate publish is accepted and dropped")

	d, err := q.Dequeue(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, "run-1", d.Job().RunID)
	assert.Equal(t, 0, d.Job().Attempt)
	require.NoError(t, d.InProgress())

	require.NoError(t, d.Nak(100*time.Millisecond))

	d, err = q.Dequeue(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, 1, d.Job().Attempt)
	require.NoError(t, d.Ack())

	n, err := q.Len(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestJetStreamQueue_DeferralsDoNotCountAsAttempts(t *testing.T) {
	q := &JetStreamQueue{lease: time.Minute, deferred: make(map[uint64]deferral)}

	assert.Equal(t, 0, q.countDelivery(7, 1, true))
	assert.Equal(t, 0, q.countDelivery(7, 2, true))
	assert.Equal(t, 0, q.countDelivery(7, 3, false), "first real delivery after two deferrals")

	// Redelivery after a failed attempt.
	assert.Equal(t, 1, q.countDelivery(7, 4, false))

	d := &jetStreamDelivery{q: q, msg: &nats.Msg{}, seq: 7}
	_ = d.Ack()
	assert.Empty(t, q.deferred)

	assert.Equal(t, 1, q.countDelivery(9, 2, false))
	assert.Empty(t, q.deferred, "messages never deferred are not tracked")
}

func TestJetStreamQueue_DeferralsExpire(t *testing.T) {
	q := &JetStreamQueue{lease: time.Minute, deferred: map[uint64]deferral{
		1: {count: 3, expires: time.Now().Add(-time.Second)},
	}}

	q.countDelivery(2, 1, true)

	assert.NotContains(t, q.deferred, uint64(1))
	assert.Equal(t, 1, q.deferred[2].count)
}

func TestJetStreamQueue_NotBeforeDeferral(t *testing.T) {
	q := newTestJetStream(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	job := &Job{RunID: "run-2", Queue: "runs", Kind: KindRun, NotBefore: time.Now().Add(500 * time.Millisecond)}
	require.NoError(t, q.Enqueue(ctx, job))

	d, err := q.Dequeue(ctx, "runs")
	require.NoError(t, err)
	assert.False(t, time.Now().Before(job.NotBefore))
	assert.Equal(t, 0, d.Job().Attempt)
	require.NoError(t, d.Ack())
}
