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

// Package leader elects one controller instance among those sharing a
// PostgreSQL store. The leader is the only instance that schedules
// periodic maintenance.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AdvisoryLockID is the Postgres advisory lock key, "stagehnd" as ASCII.
const AdvisoryLockID int64 = 0x7374616765686e64

// Locker holds an advisory lock on one database session. Advisory locks
// belong to the session that took them, so a Locker must keep using the
// same connection.
type Locker interface {
	TryLock(ctx context.Context, id int64) (bool, error)
	Holding(ctx context.Context, id int64) (bool, error)
	Unlock(ctx context.Context, id int64) error
	Close()
}

// Elector manages leader election over a Locker.
type Elector struct {
	locker     Locker
	instanceID string
	interval   time.Duration
	logger     *slog.Logger

	mu         sync.RWMutex
	isLeader   bool
	acquiredAt time.Time
	callbacks  []func(isLeader bool)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config contains leader election configuration.
type Config struct {
	Locker Locker

	// InstanceID uniquely identifies this controller instance.
	InstanceID string

	// RetryInterval is how often to attempt acquiring or verifying
	// leadership (default 5s).
	RetryInterval time.Duration

	Logger *slog.Logger
}

// NewElector creates a new leader elector.
func NewElector(cfg Config) *Elector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Elector{
		locker:     cfg.Locker,
		instanceID: cfg.InstanceID,
		interval:   cfg.RetryInterval,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger.With(slog.String("component", "leader"), slog.String("instance_id", cfg.InstanceID)),
	}
}

// Start begins the election loop.
func (e *Elector) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop releases leadership and waits for the loop to exit.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
}

// IsLeader returns whether this instance is currently the leader.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// OnLeadershipChange registers a callback for leadership changes.
func (e *Elector) OnLeadershipChange(callback func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, callback)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)
	defer e.locker.Close()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tryAcquireLeadership(ctx)

	for {
		select {
		case <-ctx.Done():
			e.releaseLeadership(context.WithoutCancel(ctx))
			return
		case <-e.stopCh:
			e.releaseLeadership(ctx)
			return
		case <-ticker.C:
			if !e.IsLeader() {
				e.tryAcquireLeadership(ctx)
			} else if !e.verifyLeadership(ctx) {
				e.setLeader(false)
				e.logger.Warn("lost leadership, will retry")
			}
		}
	}
}

func (e *Elector) tryAcquireLeadership(ctx context.Context) {
	acquired, err := e.locker.TryLock(ctx, AdvisoryLockID)
	if err != nil {
		e.logger.Error("failed to acquire leadership", slog.Any("error", err))
		return
	}
	if acquired {
		e.setLeader(true)
		e.logger.Info("acquired leadership")
	}
}

func (e *Elector) verifyLeadership(ctx context.Context) bool {
	holding, err := e.locker.Holding(ctx, AdvisoryLockID)
	if err != nil {
		e.logger.Error("failed to verify leadership", slog.Any("error", err))
		return false
	}
	return holding
}

func (e *Elector) releaseLeadership(ctx context.Context) {
	if !e.IsLeader() {
		return
	}
	if err := e.locker.Unlock(ctx, AdvisoryLockID); err != nil {
		e.logger.Error("failed to release leadership", slog.Any("error", err))
	}
	e.setLeader(false)
	e.logger.Info("released leadership")
}

// setLeader updates the leader status and notifies callbacks on change.
func (e *Elector) setLeader(isLeader bool) {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = isLeader
	if isLeader && !wasLeader {
		e.acquiredAt = time.Now().UTC()
	}
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	if wasLeader != isLeader {
		for _, cb := range callbacks {
			cb(isLeader)
		}
	}
}

// LeaderStatus contains information about leadership status.
type LeaderStatus struct {
	InstanceID string    `json:"instance_id"`
	IsLeader   bool      `json:"is_leader"`
	AcquiredAt time.Time `json:"acquired_at,omitempty"`
}

// Status returns the current leadership status.
func (e *Elector) Status() LeaderStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := LeaderStatus{InstanceID: e.instanceID, IsLeader: e.isLeader}
	if e.isLeader {
		s.AcquiredAt = e.acquiredAt
	}
	return s
}

// PgLocker is a Locker pinned to one pooled connection.
type PgLocker struct {
	conn *pgxpool.Conn
}

// NewPgLocker takes a connection out of pool for the lifetime of the
// locker.
func NewPgLocker(ctx context.Context, pool *pgxpool.Pool) (*PgLocker, error) {
	if pool == nil {
		return nil, errors.New("leader: nil pool")
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &PgLocker{conn: conn}, nil
}

// TryLock implements Locker.
func (l *PgLocker) TryLock(ctx context.Context, id int64) (bool, error) {
	var acquired bool
	err := l.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired)
	return acquired, err
}

// Holding implements Locker.
func (l *PgLocker) Holding(ctx context.Context, id int64) (bool, error) {
	var holding bool
	err := l.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			AND classid = ($1 >> 32)::int
			AND objid = ($1 & 4294967295)::int
			AND pid = pg_backend_pid()
		)
	`, id).Scan(&holding)
	return holding, err
}

// Unlock implements Locker.
func (l *PgLocker) Unlock(ctx context.Context, id int64) error {
	_, err := l.conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", id)
	return err
}

// Close returns the connection to the pool.
func (l *PgLocker) Close() {
	l.conn.Release()
}
