// Package elect implements a lease-based single-writer election among the
// browser tabs sharing one database, using
// compare-and-swap against the Block Store's lease keyspace rather than a
// network consensus protocol — there is no server to run Raft against, only
// tabs racing on a shared key-value store.
package elect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/log"
	"github.com/npiesco/absurder-sql/pkg/metrics"
	"github.com/npiesco/absurder-sql/pkg/store"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// LeaseStore is the narrow slice of store.LeaseStore the Elector needs.
type LeaseStore interface {
	GetLease() ([]byte, uint64, bool, error)
	CompareAndSwapLease(expectedEpoch uint64, newValue []byte) (bool, error)
	DeleteLease() error
}

// Config tunes one Elector's lease lifetime and retry behavior.
type Config struct {
	DatabaseName string
	LeaseTTL     time.Duration // how long a held lease remains valid without renewal
	Now          func() time.Time
}

// Elector races this tab against its peers for the single-writer lease on
// one database. Renewal runs on its own goroutine once leadership is held;
// losing the lease (failed heartbeat, force relinquish) is reflected
// immediately in IsLeader.
type Elector struct {
	cfg      Config
	store    LeaseStore
	leaderID [16]byte

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}

	state electorState
}

// electorState bundles the fields guarded together: a tab can't be leader
// at one epoch and not another mid-update.
type electorState struct {
	mu       sync.Mutex
	isLeader bool
	epoch    uint64
}

// New constructs an Elector with a freshly generated 128-bit leader_id.
func New(cfg Config, leaseStore LeaseStore) *Elector {
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	generated := uuid.New()
	var id [16]byte
	copy(id[:], generated[:])
	return &Elector{
		cfg:      cfg,
		store:    leaseStore,
		leaderID: id,
	}
}

// LeaderID returns this tab's 128-bit election identity.
func (e *Elector) LeaderID() [16]byte { return e.leaderID }

// IsLeader reports whether this tab currently believes it holds the lease.
func (e *Elector) IsLeader() bool {
	e.state.mu.Lock()
	defer e.state.mu.Unlock()
	return e.state.isLeader
}

// TryAcquire makes a single CAS attempt against the lease record. Returns
// true if this tab now holds the lease: either the previous holder's lease
// had expired, or no lease existed yet. A live peer's unexpired lease
// results in (false, nil), not an error — callers poll or back off.
func (e *Elector) TryAcquire() (bool, error) {
	raw, epoch, found, err := e.store.GetLease()
	if err != nil {
		return false, errs.New("elect.TryAcquire", errs.IO, err)
	}

	expectedEpoch := epoch
	if found {
		current, err := store.DecodeLease(raw)
		if err != nil {
			return false, errs.New("elect.TryAcquire", errs.Corrupt, err)
		}
		if !current.Expired(e.cfg.Now()) && current.LeaderID != e.leaderID {
			metrics.LeaseAcquisitions.WithLabelValues("held_by_peer").Inc()
			return false, nil
		}
	}

	now := e.cfg.Now()
	next := types.Lease{
		DatabaseName: e.cfg.DatabaseName,
		LeaderID:     e.leaderID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(e.cfg.LeaseTTL),
		WriteEpoch:   expectedEpoch + 1,
	}
	swapped, err := e.store.CompareAndSwapLease(expectedEpoch, store.EncodeLease(next))
	if err != nil {
		return false, errs.New("elect.TryAcquire", errs.IO, err)
	}
	if !swapped {
		// Lost the race to a concurrent CAS from a peer tab between our
		// GetLease and our CompareAndSwapLease.
		metrics.LeaseAcquisitions.WithLabelValues("lost_race").Inc()
		return false, nil
	}

	e.onAcquired(expectedEpoch + 1)
	metrics.LeaseAcquisitions.WithLabelValues("acquired").Inc()
	return true, nil
}

func (e *Elector) onAcquired(epoch uint64) {
	e.state.mu.Lock()
	e.state.isLeader = true
	e.state.epoch = epoch
	e.state.mu.Unlock()

	metrics.IsLeader.WithLabelValues(e.cfg.DatabaseName).Set(1)
	e.stopHeartbeat = make(chan struct{})
	e.heartbeatDone = make(chan struct{})
	go e.heartbeatLoop(e.stopHeartbeat, e.heartbeatDone)

	log.WithDatabase(e.cfg.DatabaseName).Info().Msg("leadership acquired")
}

// heartbeatLoop renews the lease every LeaseTTL/3 until stopped or a
// renewal fails, at which point this tab gives up leadership.
func (e *Elector) heartbeatLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := e.renew(); err != nil {
				metrics.LeaseHeartbeats.WithLabelValues("lost").Inc()
				e.demote()
				return
			}
			metrics.LeaseHeartbeats.WithLabelValues("renewed").Inc()
		}
	}
}

func (e *Elector) renew() error {
	e.state.mu.Lock()
	epoch := e.state.epoch
	e.state.mu.Unlock()

	now := e.cfg.Now()
	next := types.Lease{
		DatabaseName: e.cfg.DatabaseName,
		LeaderID:     e.leaderID,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(e.cfg.LeaseTTL),
		WriteEpoch:   epoch + 1,
	}
	swapped, err := e.store.CompareAndSwapLease(epoch, store.EncodeLease(next))
	if err != nil {
		return err
	}
	if !swapped {
		return errs.New("elect.renew", errs.NotLeader, nil)
	}

	e.state.mu.Lock()
	e.state.epoch = epoch + 1
	e.state.mu.Unlock()
	return nil
}

func (e *Elector) demote() {
	e.state.mu.Lock()
	e.state.isLeader = false
	e.state.mu.Unlock()
	metrics.IsLeader.WithLabelValues(e.cfg.DatabaseName).Set(0)
}

// WaitForLeadership blocks, retrying TryAcquire with capped exponential
// backoff, until this tab becomes leader or ctx is done.
func (e *Elector) WaitForLeadership(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0 // bounded by ctx instead
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	bo := backoff.WithContext(eb, ctx)

	return backoff.Retry(func() error {
		acquired, err := e.TryAcquire()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			return errs.New("elect.WaitForLeadership", errs.Busy, nil)
		}
		return nil
	}, bo)
}

// ForceRelinquish gives up leadership immediately: stops the heartbeat
// goroutine and deletes the lease record so a peer can acquire without
// waiting out the TTL. Safe to call whether or not this tab is leader.
func (e *Elector) ForceRelinquish() error {
	e.state.mu.Lock()
	wasLeader := e.state.isLeader
	e.state.isLeader = false
	e.state.mu.Unlock()

	if !wasLeader {
		return nil
	}

	close(e.stopHeartbeat)
	<-e.heartbeatDone
	metrics.IsLeader.WithLabelValues(e.cfg.DatabaseName).Set(0)

	if err := e.store.DeleteLease(); err != nil {
		return errs.New("elect.ForceRelinquish", errs.IO, err)
	}
	return nil
}

// LeaseInfo returns the current lease record as persisted, regardless of
// which tab holds it.
func (e *Elector) LeaseInfo() (types.Lease, bool, error) {
	raw, _, found, err := e.store.GetLease()
	if err != nil {
		return types.Lease{}, false, errs.New("elect.LeaseInfo", errs.IO, err)
	}
	if !found {
		return types.Lease{}, false, nil
	}
	lease, err := store.DecodeLease(raw)
	if err != nil {
		return types.Lease{}, false, errs.New("elect.LeaseInfo", errs.Corrupt, err)
	}
	lease.DatabaseName = e.cfg.DatabaseName
	return lease, true, nil
}
