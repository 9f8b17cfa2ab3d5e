package vfs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder-sql/pkg/cache"
	"github.com/npiesco/absurder-sql/pkg/lock"
	"github.com/npiesco/absurder-sql/pkg/types"
)

const testBlockSize = 64

type alwaysLeader struct{}

func (alwaysLeader) IsLeader() bool { return true }

type memBackend struct {
	mu     sync.Mutex
	blocks map[uint64][]byte
}

func newMemBackend() *memBackend { return &memBackend{blocks: make(map[uint64][]byte)} }

func (m *memBackend) load(idx uint64) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blocks[idx]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *memBackend) flush(entries []types.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.blocks[e.BlockIndex] = append([]byte(nil), e.Bytes...)
	}
	return nil
}

func newTestFile(t *testing.T, name string) (*File, *memBackend) {
	t.Helper()
	backend := newMemBackend()
	c, err := cache.New(testBlockSize, 8, backend.load, backend.flush)
	require.NoError(t, err)
	lm := lock.New(alwaysLeader{})
	var gen uint64
	f := Open(name, Options{
		BlockSize:  testBlockSize,
		Cache:      c,
		Lock:       lm,
		Generation: func() uint64 { return atomic.LoadUint64(&gen) },
		IsLeader:   func() bool { return true },
	})
	return f, backend
}

func withReserved(t *testing.T, f *File) {
	t.Helper()
	require.NoError(t, f.Lock(context.Background(), types.LockShared))
	require.NoError(t, f.Lock(context.Background(), types.LockReserved))
}

func TestVFS_EmptyFileReadsZero(t *testing.T) {
	f, _ := newTestFile(t, "main.db")

	buf := make([]byte, testBlockSize)
	n, err := f.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, testBlockSize, n)
	assert.Equal(t, make([]byte, testBlockSize), buf)
	assert.EqualValues(t, 0, f.FileSize())
}

func TestVFS_WriteRequiresReserved(t *testing.T) {
	f, _ := newTestFile(t, "main.db")
	err := f.Write([]byte("hello"), 0)
	assert.Error(t, err)
}

func TestVFS_WriteThenReadRoundTrips(t *testing.T) {
	f, _ := newTestFile(t, "main.db")
	withReserved(t, f)

	payload := []byte("hello, vfs")
	require.NoError(t, f.Write(payload, 10))

	buf := make([]byte, len(payload))
	n, err := f.Read(buf, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
	assert.EqualValues(t, 10+len(payload), f.FileSize())
}

func TestVFS_WriteAcrossBlockBoundary(t *testing.T) {
	f, _ := newTestFile(t, "main.db")
	withReserved(t, f)

	payload := make([]byte, testBlockSize+10)
	for i := range payload {
		payload[i] = byte(i)
	}
	offset := uint64(testBlockSize - 5)
	require.NoError(t, f.Write(payload, offset))

	buf := make([]byte, len(payload))
	_, err := f.Read(buf, offset)
	require.NoError(t, err)
	assert.Equal(t, payload, buf)
}

func TestVFS_TruncateDropsTailAndUpdatesSize(t *testing.T) {
	f, _ := newTestFile(t, "main.db")
	withReserved(t, f)

	require.NoError(t, f.Write(make([]byte, testBlockSize*3), 0))
	require.NoError(t, f.Truncate(testBlockSize))
	assert.EqualValues(t, testBlockSize, f.FileSize())

	buf := make([]byte, testBlockSize)
	_, err := f.Read(buf, testBlockSize*2)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testBlockSize), buf)
}

func TestVFS_TruncateRequiresReserved(t *testing.T) {
	f, _ := newTestFile(t, "main.db")
	err := f.Truncate(0)
	assert.Error(t, err)
}

func TestVFS_SyncPersistsToBackend(t *testing.T) {
	f, backend := newTestFile(t, "main.db")
	withReserved(t, f)

	require.NoError(t, f.Write(make([]byte, testBlockSize), 0))
	require.NoError(t, f.Sync())

	backend.mu.Lock()
	_, persisted := backend.blocks[0]
	backend.mu.Unlock()
	assert.True(t, persisted)
}

func TestVFS_LockDelegatesToLockManager(t *testing.T) {
	f, _ := newTestFile(t, "main.db")
	require.NoError(t, f.Lock(context.Background(), types.LockShared))
	assert.False(t, f.CheckReservedLock())
	require.NoError(t, f.Lock(context.Background(), types.LockReserved))
	assert.True(t, f.CheckReservedLock())
	require.NoError(t, f.Unlock(types.LockReserved))
	assert.False(t, f.CheckReservedLock())
}

func TestVFS_FileControlOps(t *testing.T) {
	f, _ := newTestFile(t, "main.db")

	_, recognized, err := f.FileControl(context.Background(), OpPragmaBusyTimeout, 5000)
	require.NoError(t, err)
	assert.True(t, recognized)
	assert.Equal(t, 5000, f.BusyTimeout())

	result, recognized, err := f.FileControl(context.Background(), OpGetLeaderStatus, 0)
	require.NoError(t, err)
	assert.True(t, recognized)
	assert.EqualValues(t, 1, result)

	_, recognized, err = f.FileControl(context.Background(), OpGetGeneration, 0)
	require.NoError(t, err)
	assert.True(t, recognized)

	_, recognized, err = f.FileControl(context.Background(), OpForceCheckpoint, 0)
	require.NoError(t, err)
	assert.True(t, recognized)

	_, recognized, err = f.FileControl(context.Background(), FileControlOp(999), 0)
	require.NoError(t, err)
	assert.False(t, recognized, "unrecognized op must report NOTFOUND via recognized=false")
}

func TestVFS_SHMNeverTouchesBackend(t *testing.T) {
	f, backend := newTestFile(t, "main.db-shm")
	withReserved(t, f)

	require.NoError(t, f.Write([]byte("scratch"), 0))
	require.NoError(t, f.Sync())

	backend.mu.Lock()
	count := len(backend.blocks)
	backend.mu.Unlock()
	assert.Zero(t, count, "shm writes must never reach the Store")

	buf := make([]byte, len("scratch"))
	_, err := f.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "scratch", string(buf))
}
