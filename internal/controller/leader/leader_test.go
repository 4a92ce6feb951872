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

package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	lost     bool
	tryErr   error
	unlocks  int
	closed   bool
	attempts int
}

func (f *fakeLocker) TryLock(context.Context, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.tryErr != nil {
		return false, f.tryErr
	}
	if f.lost {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLocker) Holding(context.Context, int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held && !f.lost, nil
}

func (f *fakeLocker) Unlock(context.Context, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlocks++
	f.held = false
	return nil
}

func (f *fakeLocker) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeLocker) setLost(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = v
	if v {
		f.held = false
	}
}

func TestAdvisoryLockID(t *testing.T) {
	assert.Equal(t, int64(0x7374616765686e64), AdvisoryLockID)
}

func TestElector_AcquireAndRelease(t *testing.T) {
	locker := &fakeLocker{}
	e := NewElector(Config{Locker: locker, InstanceID: "node-1", RetryInterval: 10 * time.Millisecond})

	var mu sync.Mutex
	var changes []bool
	e.OnLeadershipChange(func(isLeader bool) {
		mu.Lock()
		changes = append(changes, isLeader)
		mu.Unlock()
	})

	e.Start(context.Background())
	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)

	status := e.Status()
	assert.Equal(t, "node-1", status.InstanceID)
	assert.True(t, status.IsLeader)
	assert.False(t, status.AcquiredAt.IsZero())

	e.Stop()
	assert.False(t, e.IsLeader())
	assert.Equal(t, 1, locker.unlocks)
	assert.True(t, locker.closed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestElector_LosesAndRegainsLeadership(t *testing.T) {
	locker := &fakeLocker{}
	e := NewElector(Config{Locker: locker, InstanceID: "node-1", RetryInterval: 10 * time.Millisecond})
	e.Start(context.Background())
	defer e.Stop()

	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)

	locker.setLost(true)
	require.Eventually(t, func() bool { return !e.IsLeader() }, time.Second, 5*time.Millisecond)

	locker.setLost(false)
	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)
}

func TestElector_LockErrors(t *testing.T) {
	locker := &fakeLocker{tryErr: errors.New("connection reset")}
	e := NewElector(Config{Locker: locker, InstanceID: "node-2", RetryInterval: 10 * time.Millisecond})
	e.Start(context.Background())

	require.Eventually(t, func() bool {
		locker.mu.Lock()
		defer locker.mu.Unlock()
		return locker.attempts >= 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, e.IsLeader())

	e.Stop()
	assert.Equal(t, 0, locker.unlocks)
}

func TestElector_ContextCancelReleases(t *testing.T) {
	locker := &fakeLocker{}
	e := NewElector(Config{Locker: locker, InstanceID: "node-3", RetryInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	require.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)

	cancel()
	e.Stop()
	assert.False(t, e.IsLeader())
	assert.Equal(t, 1, locker.unlocks)
}

func TestElector_setLeaderCallbacks(t *testing.T) {
	e := NewElector(Config{Locker: &fakeLocker{}, InstanceID: "test-instance"})

	var calls []bool
	e.OnLeadershipChange(func(isLeader bool) { calls = append(calls, isLeader) })

	e.setLeader(true)
	e.setLeader(true)
	e.setLeader(false)
	e.setLeader(false)

	assert.Equal(t, []bool{true, false}, calls)
}

func TestNewPgLocker_NilPool(t *testing.T) {
	_, err := NewPgLocker(context.Background(), nil)
	assert.Error(t, err)
}
