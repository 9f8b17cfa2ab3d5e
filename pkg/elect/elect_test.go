package elect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder-sql/pkg/store"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// fakeLeaseStore is an in-memory stand-in for the Store's lease bucket,
// giving CompareAndSwapLease the same read-check-write-in-one-step
// semantics the real bbolt transaction provides.
type fakeLeaseStore struct {
	mu    sync.Mutex
	epoch uint64
	value []byte
	set   bool
}

func (f *fakeLeaseStore) GetLease() ([]byte, uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return nil, f.epoch, false, nil
	}
	return append([]byte(nil), f.value...), f.epoch, true, nil
}

func (f *fakeLeaseStore) CompareAndSwapLease(expectedEpoch uint64, newValue []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.epoch != expectedEpoch {
		return false, nil
	}
	f.value = append([]byte(nil), newValue...)
	f.set = true
	f.epoch++
	return true, nil
}

func (f *fakeLeaseStore) DeleteLease() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = false
	f.value = nil
	return nil
}

func newTestElector(t *testing.T, ttl time.Duration, now func() time.Time) (*Elector, *fakeLeaseStore) {
	t.Helper()
	fs := &fakeLeaseStore{}
	e := New(Config{DatabaseName: "testdb", LeaseTTL: ttl, Now: now}, fs)
	t.Cleanup(func() { _ = e.ForceRelinquish() })
	return e, fs
}

func TestElect_TryAcquireSucceedsWhenAbsent(t *testing.T) {
	e, _ := newTestElector(t, time.Second, time.Now)

	acquired, err := e.TryAcquire()
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, e.IsLeader())
}

func TestElect_TryAcquireFailsAgainstLivePeer(t *testing.T) {
	fixedNow := time.Now()
	e, fs := newTestElector(t, time.Minute, func() time.Time { return fixedNow })

	peerLease := types.Lease{
		DatabaseName: "testdb",
		LeaderID:     [16]byte{9, 9, 9},
		AcquiredAt:   fixedNow,
		ExpiresAt:    fixedNow.Add(time.Minute),
	}
	fs.value = store.EncodeLease(peerLease)
	fs.set = true
	fs.epoch = 1

	acquired, err := e.TryAcquire()
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, e.IsLeader())
}

func TestElect_TryAcquireSucceedsAgainstExpiredPeer(t *testing.T) {
	fixedNow := time.Now()
	e, fs := newTestElector(t, time.Minute, func() time.Time { return fixedNow })

	expiredLease := types.Lease{
		DatabaseName: "testdb",
		LeaderID:     [16]byte{9, 9, 9},
		AcquiredAt:   fixedNow.Add(-2 * time.Minute),
		ExpiresAt:    fixedNow.Add(-time.Minute),
	}
	fs.value = store.EncodeLease(expiredLease)
	fs.set = true
	fs.epoch = 1

	acquired, err := e.TryAcquire()
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, e.IsLeader())
}

func TestElect_LeaseInfoReflectsHolder(t *testing.T) {
	e, _ := newTestElector(t, time.Second, time.Now)

	_, found, err := e.LeaseInfo()
	require.NoError(t, err)
	assert.False(t, found)

	_, err = e.TryAcquire()
	require.NoError(t, err)

	lease, found, err := e.LeaseInfo()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e.LeaderID(), lease.LeaderID)
	assert.Equal(t, "testdb", lease.DatabaseName)
}

func TestElect_ForceRelinquishClearsLeadership(t *testing.T) {
	e, fs := newTestElector(t, time.Second, time.Now)

	acquired, err := e.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, e.ForceRelinquish())
	assert.False(t, e.IsLeader())

	_, _, found, err := fs.GetLease()
	require.NoError(t, err)
	assert.False(t, found, "relinquish must delete the lease record")

	// Idempotent.
	require.NoError(t, e.ForceRelinquish())
}

func TestElect_HeartbeatRenewsEpoch(t *testing.T) {
	e, fs := newTestElector(t, 60*time.Millisecond, time.Now)

	acquired, err := e.TryAcquire()
	require.NoError(t, err)
	require.True(t, acquired)

	epochAfterAcquire := fs.epoch

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return fs.epoch > epochAfterAcquire
	}, time.Second, 10*time.Millisecond, "heartbeat loop should renew and advance the epoch")

	assert.True(t, e.IsLeader())
}

func TestElect_WaitForLeadershipSucceedsImmediatelyWhenFree(t *testing.T) {
	e, _ := newTestElector(t, time.Second, time.Now)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, e.WaitForLeadership(ctx))
	assert.True(t, e.IsLeader())
}

func TestElect_WaitForLeadershipRespectsContext(t *testing.T) {
	fixedNow := time.Now()
	e, fs := newTestElector(t, time.Minute, func() time.Time { return fixedNow })

	peerLease := types.Lease{
		DatabaseName: "testdb",
		LeaderID:     [16]byte{9, 9, 9},
		AcquiredAt:   fixedNow,
		ExpiresAt:    fixedNow.Add(time.Minute),
	}
	fs.value = store.EncodeLease(peerLease)
	fs.set = true
	fs.epoch = 1

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := e.WaitForLeadership(ctx)
	require.Error(t, err)
}
