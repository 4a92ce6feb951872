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

// Package broadcast fans run events out to live subscribers.
//
// Each run keeps a bounded ring of recent events. A new subscriber receives
// the ring, then live events, with no gap or duplicate between the two.
// Publishing never blocks: a subscriber that cannot keep up is dropped.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSlowConsumer is reported by Subscription.Err when the subscriber was
// dropped because its channel was full.
var ErrSlowConsumer = errors.New("subscriber dropped: too slow")

// EventType classifies events.
type EventType string

const (
	EventLog       EventType = "log"
	EventStatus    EventType = "status"
	EventSummary   EventType = "summary"
	EventTruncated EventType = "truncated"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one item in a run's event stream.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogData is the payload of a log event.
type LogData struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// StatusData is the payload of a status event.
type StatusData struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to"`
	ExitCode *int     `json:"exit_code,omitempty"`
	Error    string   `json:"error,omitempty"`
	Duration *float64 `json:"duration_seconds,omitempty"`
}

// TruncatedData tells the client that earlier events are only available
// from the durable log.
type TruncatedData struct {
	FirstSeq uint64 `json:"first_seq"`
	LogPath  string `json:"log_path,omitempty"`
	Reason   string `json:"reason"`
}

// Config configures a Hub.
type Config struct {
	ReplaySize       int
	SubscriberBuffer int
	Linger           time.Duration
}

// Defaults.
const (
	DefaultReplaySize       = 1000
	DefaultSubscriberBuffer = 256
	DefaultLinger           = 2 * time.Minute
)

// Observer is told about subscriber churn.
type Observer interface {
	SetSubscribers(n int)
	RecordDroppedSubscriber()
}

// Hub routes events to subscribers per run.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	observer Observer

	mu     sync.Mutex
	topics map[string]*topic

	live atomic.Int64
}

// NewHub creates a Hub. Zero config values take the defaults.
func NewHub(cfg Config, logger *slog.Logger) *Hub {
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = DefaultReplaySize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if cfg.Linger <= 0 {
		cfg.Linger = DefaultLinger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "broadcast")),
		now:    time.Now,
		topics: make(map[string]*topic),
	}
}

type topic struct {
	hub      *Hub
	mu       sync.Mutex
	runID    string
	logPath  string
	ring     []Event
	head     int // index of the oldest event
	size     int
	nextSeq  uint64
	dropped  bool // the ring has overwritten events
	subs     map[*Subscription]struct{}
	finished bool
}

func (h *Hub) topic(runID string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[runID]
	if !ok {
		t = &topic{
			hub:     h,
			runID:   runID,
			ring:    make([]Event, h.cfg.ReplaySize),
			nextSeq: 1,
			subs:    make(map[*Subscription]struct{}),
		}
		h.topics[runID] = t
	}
	return t
}

// Open prepares a run's topic and records where its durable log lives.
func (h *Hub) Open(runID, logPath string) {
	t := h.topic(runID)
	t.mu.Lock()
	t.logPath = logPath
	t.mu.Unlock()
}

// Publish appends ev to the run's ring and delivers it to every subscriber.
// Seq and Timestamp are assigned here. Publishing to a finished run is a
// no-op.
func (h *Hub) Publish(runID string, ev Event) {
	t := h.topic(runID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}

	ev.RunID = runID
	ev.Seq = t.nextSeq
	t.nextSeq++
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}

	capacity := len(t.ring)
	if t.size < capacity {
		t.ring[(t.head+t.size)%capacity] = ev
		t.size++
	} else {
		t.ring[t.head] = ev
		t.head = (t.head + 1) % capacity
		t.dropped = true
	}

	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("dropping slow subscriber", slog.String("run_id", runID), slog.Uint64("seq", ev.Seq))
			t.dropLocked(sub, ErrSlowConsumer)
		}
	}
}

// Subscribe registers interest in a run. The returned subscription first
// yields the run's buffered events (preceded by a truncated marker when the
// ring has overflowed), then live events. For a finished run the channel
// closes after the replay.
func (h *Hub) Subscribe(runID string) *Subscription {
	t := h.topic(runID)

	t.mu.Lock()
	defer t.mu.Unlock()

	sub := &Subscription{
		hub: h,
		t:   t,
		ch:  make(chan Event, len(t.ring)+h.cfg.SubscriberBuffer+1),
	}

	if t.dropped && t.size > 0 {
		first := t.ring[t.head]
		sub.ch <- Event{
			Type:      EventTruncated,
			RunID:     runID,
			Seq:       first.Seq - 1,
			Timestamp: h.now(),
			Data: TruncatedData{
				FirstSeq: first.Seq,
				LogPath:  t.logPath,
				Reason:   "replay buffer overflowed",
			},
		}
	}
	for i := 0; i < t.size; i++ {
		sub.ch <- t.ring[(t.head+i)%len(t.ring)]
	}

	if t.finished {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	t.subs[sub] = struct{}{}
	h.subscribersChanged(1)
	return sub
}

// Finish closes every subscription of the run once its buffered events are
// read. The ring is kept for the linger period for late subscribers.
func (h *Hub) Finish(runID string) {
	t := h.topic(runID)

	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	for sub := range t.subs {
		t.dropLocked(sub, nil)
	}
	t.mu.Unlock()

	time.AfterFunc(h.cfg.Linger, func() { h.remove(runID, t) })
}

func (h *Hub) remove(runID string, t *topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[runID] == t {
		delete(h.topics, runID)
	}
}

// Subscribers returns the number of live subscribers for a run.
func (h *Hub) Subscribers(runID string) int {
	h.mu.Lock()
	t, ok := h.topics[runID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// TotalSubscribers returns the number of live subscribers across all runs.
func (h *Hub) TotalSubscribers() int {
	return int(h.live.Load())
}

// Observe registers o for subscriber gauges. Call it before the hub is used.
func (h *Hub) Observe(o Observer) {
	h.observer = o
}

func (h *Hub) subscribersChanged(delta int64) {
	n := h.live.Add(delta)
	if h.observer != nil {
		h.observer.SetSubscribers(int(n))
	}
}

// Topics returns the number of runs with retained state.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Close ends every subscription and discards all state.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		t.finished = true
		for sub := range t.subs {
			t.dropLocked(sub, nil)
		}
		t.mu.Unlock()
	}
}

// dropLocked removes sub and closes its channel. Callers hold t.mu.
func (t *topic) dropLocked(sub *Subscription, err error) {
	if sub.closed {
		return
	}
	delete(t.subs, sub)
	sub.closed = true
	sub.err = err
	close(sub.ch)
	t.hub.subscribersChanged(-1)
	if errors.Is(err, ErrSlowConsumer) && t.hub.observer != nil {
		t.hub.observer.RecordDroppedSubscriber()
	}
}

// Subscription is one consumer of a run's events.
type Subscription struct {
	hub *Hub
	t   *topic
	ch  chan Event

	// guarded by t.mu
	closed bool
	err    error
}

// Events returns the event channel. It is closed when the run finishes, the
// subscriber is dropped, or Close is called.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err returns ErrSlowConsumer if the subscriber was dropped, otherwise nil.
func (s *Subscription) Err() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.err
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.t.mu.Lock()
	s.t.dropLocked(s, nil)
	idle := !s.t.finished && s.t.size == 0 && s.t.logPath == "" && len(s.t.subs) == 0
	s.t.mu.Unlock()

	// A topic nobody published to is not worth keeping.
	if idle {
		s.hub.remove(s.t.runID, s.t)
	}
}
