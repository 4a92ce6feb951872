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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tombee/stagehand/internal/config"
)

// fetchWait bounds a single pull request so Dequeue notices ctx and Close.
const fetchWait = 5 * time.Second

// deferralTTL bounds how long deferral counts for an unfinished message are kept.
const deferralTTL = 24 * time.Hour

// JetStreamQueue is a Queue backed by a NATS JetStream work-queue stream.
// Each class has its own subject and durable pull consumer; the consumer's
// AckWait is the lease. Priority is not honored: JetStream delivers in
// publish order.
type JetStreamQueue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    config.JetStreamConfig
	lease  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]*nats.Subscription
	deferred map[uint64]deferral
	closed   bool
}

// deferral counts the redeliveries of one stream message that were put back
// only because the job's NotBefore had not passed.
type deferral struct {
	count   int
	expires time.Time
}

var _ Queue = (*JetStreamQueue)(nil)

// NewJetStreamQueue connects to NATS and ensures the stream exists.
func NewJetStreamQueue(ctx context.Context, cfg config.JetStreamConfig, lease time.Duration, logger *slog.Logger, opts ...nats.Option) (*JetStreamQueue, error) {
	if lease <= 0 {
		lease = DefaultLeaseTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts = append([]nats.Option{nats.Name("stagehand-queue")}, opts...)
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	q := &JetStreamQueue{
		conn:     nc,
		js:       js,
		cfg:      cfg,
		lease:    lease,
		logger:   logger,
		subs:     make(map[string]*nats.Subscription),
		deferred: make(map[uint64]deferral),
	}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStreamQueue) ensureStream(ctx context.Context) error {
	replicas := q.cfg.Replicas
	if replicas <= 0 {
		replicas = 1
	}
	sc := &nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.SubjectPrefix + ".>"},
		Retention:  nats.WorkQueuePolicy,
		Storage:    nats.FileStorage,
		Replicas:   replicas,
		Duplicates: 2 * time.Minute,
	}

	_, err := q.js.StreamInfo(q.cfg.Stream, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = q.js.AddStream(sc, nats.Context(ctx))
	case err == nil:
		_, err = q.js.UpdateStream(sc, nats.Context(ctx))
	}
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", q.cfg.Stream, err)
	}
	return nil
}

func (q *JetStreamQueue) subject(class string) string {
	return q.cfg.SubjectPrefix + "." + class
}

// Enqueue implements Queue. The run id is the Nats-Msg-Id, so duplicate
// publishes inside the stream's duplicate window are dropped by the server.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job *Job) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	j := *job
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(&j)
	if err != nil {
		return err
	}
	_, err = q.js.Publish(q.subject(j.Queue), data, nats.Context(ctx), nats.MsgId(j.RunID))
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", j.RunID, err)
	}
	return nil
}

func (q *JetStreamQueue) subscription(class string) (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if sub, ok := q.subs[class]; ok {
		return sub, nil
	}
	sub, err := q.js.PullSubscribe(q.subject(class), durableName(class),
		nats.BindStream(q.cfg.Stream),
		nats.AckExplicit(),
		nats.AckWait(q.lease),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", class, err)
	}
	q.subs[class] = sub
	return sub, nil
}

func durableName(class string) string {
	return "stagehand-" + class
}

// Dequeue implements Queue.
func (q *JetStreamQueue) Dequeue(ctx context.Context, class string) (Delivery, error) {
	sub, err := q.subscription(class)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.isClosed() {
			return nil, ErrQueueClosed
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchWait)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return nil, ErrQueueClosed
			}
			return nil, fmt.Errorf("failed to fetch from %s: %w", class, err)
		}
		if len(msgs) == 0 {
			continue
		}

		d, ok := q.decode(msgs[0])
		if ok {
			return d, nil
		}
	}
}

// decode turns a message into a Delivery. Malformed messages are terminated;
// jobs not yet eligible are put back with the remaining delay.
func (q *JetStreamQueue) decode(msg *nats.Msg) (*jetStreamDelivery, bool) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("dropping malformed job", slog.String("subject", msg.Subject), slog.Any("error", err))
		_ = msg.Term()
		return nil, false
	}
	wait := time.Until(job.NotBefore)
	var seq uint64
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		seq = meta.Sequence.Stream
		job.Attempt = q.countDelivery(seq, meta.NumDelivered, wait > 0)
	}
	if wait > 0 {
		_ = msg.NakWithDelay(wait)
		return nil, false
	}
	return &jetStreamDelivery{q: q, msg: msg, seq: seq, job: &job}, true
}

// countDelivery returns the job attempt for a delivery of stream message seq.
// NumDelivered also counts the deferrals made while the job waited for
// NotBefore, so those are subtracted. Deferrals are tracked per instance
// until the message is acked or terminated.
func (q *JetStreamQueue) countDelivery(seq, numDelivered uint64, deferring bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	prev, tracked := q.deferred[seq]
	attempt := int(numDelivered) - 1 - prev.count
	if attempt < 0 {
		attempt = 0
	}
	if !deferring && !tracked {
		return attempt
	}

	now := time.Now()
	for s, d := range q.deferred {
		if now.After(d.expires) {
			delete(q.deferred, s)
		}
	}
	next := deferral{count: prev.count, expires: now.Add(deferralTTL)}
	if deferring {
		next.count++
	}
	q.deferred[seq] = next
	return attempt
}

func (q *JetStreamQueue) forget(seq uint64) {
	q.mu.Lock()
	delete(q.deferred, seq)
	q.mu.Unlock()
}

// Len implements Queue using the consumer's pending count.
func (q *JetStreamQueue) Len(ctx context.Context, class string) (int, error) {
	info, err := q.js.ConsumerInfo(q.cfg.Stream, durableName(class), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int(info.NumPending), nil
}

// Close implements Queue.
func (q *JetStreamQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.subs = nil
	q.mu.Unlock()

	// Durable consumers outlive the connection; unacked leases expire.
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
	}
	return nil
}

func (q *JetStreamQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

type jetStreamDelivery struct {
	q   *JetStreamQueue
	msg *nats.Msg
	seq uint64
	job *Job
}

func (d *jetStreamDelivery) Job() *Job { return d.job }

func (d *jetStreamDelivery) Ack() error {
	d.q.forget(d.seq)
	return d.msg.Ack()
}

func (d *jetStreamDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jetStreamDelivery) InProgress() error { return d.msg.InProgress() }
