// Package lock implements the SQL engine's five-state file lock ladder
// (UNLOCKED, SHARED, RESERVED, PENDING, EXCLUSIVE), with RESERVED and
// EXCLUSIVE additionally gated on this tab holding the writer lease.
package lock

import (
	"context"
	"sync"

	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/metrics"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// LeadershipChecker reports whether the calling tab currently holds the
// writer lease. pkg/elect.Elector satisfies this; kept as a narrow
// interface here so pkg/lock doesn't need to import pkg/elect's retry and
// heartbeat machinery.
type LeadershipChecker interface {
	IsLeader() bool
}

// Manager tracks one database's lock ladder state across every local
// connection. Acquire blocks (respecting ctx) until the requested state is
// reachable or returns an errs.Busy error for states the caller is
// expected to retry rather than wait indefinitely on.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond

	sharedHolders int
	reserved      bool
	pending       bool
	exclusive     bool

	leader LeadershipChecker
}

// New constructs a Manager whose RESERVED/EXCLUSIVE transitions are gated
// on leader.IsLeader().
func New(leader LeadershipChecker) *Manager {
	m := &Manager{leader: leader}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// State reports the strongest lock currently held anywhere on this
// database: EXCLUSIVE > PENDING > RESERVED > SHARED > UNLOCKED.
func (m *Manager) State() types.LockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() types.LockState {
	switch {
	case m.exclusive:
		return types.LockExclusive
	case m.pending:
		return types.LockPending
	case m.reserved:
		return types.LockReserved
	case m.sharedHolders > 0:
		return types.LockShared
	default:
		return types.LockUnlocked
	}
}

// Acquire attempts to move one connection to want. SHARED and RESERVED
// acquisition either succeeds immediately or returns errs.Busy — callers
// retry with their own backoff policy; EXCLUSIVE is the only state that
// waits. EXCLUSIVE blocks until every SHARED reader drains or ctx is done.
func (m *Manager) Acquire(ctx context.Context, want types.LockState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch want {
	case types.LockShared:
		return m.acquireSharedLocked()
	case types.LockReserved:
		return m.acquireReservedLocked()
	case types.LockPending:
		return m.acquirePendingLocked()
	case types.LockExclusive:
		return m.acquireExclusiveLocked(ctx)
	default:
		return errs.New("lock.Acquire", errs.Invalid, nil).With("want", want.String())
	}
}

func (m *Manager) acquireSharedLocked() error {
	if m.exclusive || m.pending {
		metrics.LockOutcomes.WithLabelValues(types.LockShared.String(), "busy").Inc()
		return errs.New("lock.Acquire", errs.Busy, nil).With("want", types.LockShared.String())
	}
	m.sharedHolders++
	metrics.LockOutcomes.WithLabelValues(types.LockShared.String(), "granted").Inc()
	return nil
}

func (m *Manager) acquireReservedLocked() error {
	if !m.leader.IsLeader() {
		metrics.LockOutcomes.WithLabelValues(types.LockReserved.String(), "not_leader").Inc()
		return errs.New("lock.Acquire", errs.NotLeader, nil)
	}
	if m.reserved || m.exclusive {
		metrics.LockOutcomes.WithLabelValues(types.LockReserved.String(), "busy").Inc()
		return errs.New("lock.Acquire", errs.Busy, nil).With("want", types.LockReserved.String())
	}
	m.reserved = true
	metrics.LockOutcomes.WithLabelValues(types.LockReserved.String(), "granted").Inc()
	return nil
}

func (m *Manager) acquirePendingLocked() error {
	if !m.reserved {
		return errs.New("lock.Acquire", errs.Invalid, nil).With("reason", "PENDING requires RESERVED held first")
	}
	if m.pending {
		metrics.LockOutcomes.WithLabelValues(types.LockPending.String(), "busy").Inc()
		return errs.New("lock.Acquire", errs.Busy, nil).With("want", types.LockPending.String())
	}
	m.pending = true
	metrics.LockOutcomes.WithLabelValues(types.LockPending.String(), "granted").Inc()
	return nil
}

// acquireExclusiveLocked blocks until the only remaining activity is this
// connection's own pending escalation: no SHARED readers left. PENDING must
// already be held, which blocks any new SHARED acquisition from here on.
func (m *Manager) acquireExclusiveLocked(ctx context.Context) error {
	if !m.leader.IsLeader() {
		metrics.LockOutcomes.WithLabelValues(types.LockExclusive.String(), "not_leader").Inc()
		return errs.New("lock.Acquire", errs.NotLeader, nil)
	}
	if !m.pending {
		return errs.New("lock.Acquire", errs.Invalid, nil).With("reason", "EXCLUSIVE requires PENDING held first")
	}

	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				m.mu.Lock()
				m.cond.Broadcast()
				m.mu.Unlock()
			case <-done:
			}
		}()
	}
	defer close(done)

	for m.sharedHolders > 0 {
		if ctx != nil && ctx.Err() != nil {
			metrics.LockOutcomes.WithLabelValues(types.LockExclusive.String(), "timeout").Inc()
			return errs.New("lock.Acquire", errs.Timeout, ctx.Err())
		}
		m.cond.Wait()
	}

	m.exclusive = true
	m.pending = false
	metrics.LockOutcomes.WithLabelValues(types.LockExclusive.String(), "granted").Inc()
	return nil
}

// Release drops one connection's hold on from. Releasing SHARED decrements
// the reader count; releasing RESERVED or PENDING clears that flag alone;
// releasing EXCLUSIVE clears the EXCLUSIVE, PENDING and RESERVED flags
// together. Releasing SHARED or EXCLUSIVE wakes any EXCLUSIVE waiter
// blocked on reader drain.
func (m *Manager) Release(from types.LockState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch from {
	case types.LockShared:
		if m.sharedHolders == 0 {
			return errs.New("lock.Release", errs.Invalid, nil).With("reason", "no SHARED holder to release")
		}
		m.sharedHolders--
		m.cond.Broadcast()
	case types.LockReserved:
		m.reserved = false
	case types.LockPending:
		m.pending = false
	case types.LockExclusive:
		m.exclusive = false
		m.reserved = false
		m.pending = false
		m.cond.Broadcast()
	case types.LockUnlocked:
		// releasing UNLOCKED is a no-op
	default:
		return errs.New("lock.Release", errs.Invalid, nil).With("from", from.String())
	}
	return nil
}
