package handle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder-sql/pkg/changebus"
	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/store"
	"github.com/npiesco/absurder-sql/pkg/types"
	"github.com/npiesco/absurder-sql/pkg/vfs"
)

const testBlockSize = 512

// fakeExecutor stands in for the black-box SQL engine: a "write" statement
// acquires RESERVED, writes a byte payload through the VFS file, and
// releases; a "read" statement touches nothing.
type fakeExecutor struct {
	writePayload []byte
}

func (f *fakeExecutor) Execute(ctx context.Context, file *vfs.File, sql string, params []any) ([]map[string]any, bool, error) {
	if sql != "write" {
		return nil, false, nil
	}
	if err := file.Lock(ctx, types.LockReserved); err != nil {
		return nil, false, err
	}
	defer file.Unlock(types.LockReserved)

	payload := f.writePayload
	if payload == nil {
		payload = []byte("hello")
	}
	if err := file.Write(payload, 0); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func newTestHandle(t *testing.T, opts Options, bus *changebus.Bus) *Handle {
	t.Helper()
	opts.DataDir = t.TempDir()
	opts.BlockSize = testBlockSize
	h, err := Open("testdb", opts, &fakeExecutor{}, bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestHandle_OpenCreatesDatabase(t *testing.T) {
	h := newTestHandle(t, Options{AllowNonLeaderWrites: true}, changebus.New())
	assert.Equal(t, "testdb", h.name)
}

func TestHandle_ExecuteRequiresLeadershipUnlessAllowed(t *testing.T) {
	h := newTestHandle(t, Options{}, changebus.New())

	_, err := h.Execute(context.Background(), "write", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotLeader))
}

func TestHandle_ExecuteSucceedsWhenAllowed(t *testing.T) {
	h := newTestHandle(t, Options{AllowNonLeaderWrites: true}, changebus.New())

	_, err := h.Execute(context.Background(), "write", nil)
	require.NoError(t, err)
}

func TestHandle_ExecuteWithAutoSyncPublishesChangeEvent(t *testing.T) {
	bus := changebus.New()
	defer bus.Stop()
	h := newTestHandle(t, Options{AllowNonLeaderWrites: true, AutoSync: true}, bus)

	events := make(chan types.ChangeEvent, 4)
	sub := h.OnDataChange(func(e types.ChangeEvent) { events <- e })
	defer sub.Unsubscribe()

	_, err := h.Execute(context.Background(), "write", nil)
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, "testdb", e.DatabaseName)
		assert.Equal(t, types.ChangeData, e.ChangeType)
		assert.Equal(t, uint64(1), e.Generation, "first write must advance the generation counter from 0 to 1")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change event")
	}
}

func TestHandle_ReopenSeesPriorWritesAndAdvancedGeneration(t *testing.T) {
	dataDir := t.TempDir()
	opts := Options{AllowNonLeaderWrites: true, AutoSync: true, DataDir: dataDir, BlockSize: testBlockSize}

	h1, err := Open("testdb", opts, &fakeExecutor{}, changebus.New())
	require.NoError(t, err)

	_, err = h1.Execute(context.Background(), "write", nil)
	require.NoError(t, err)
	require.NoError(t, h1.Sync())
	require.NoError(t, h1.Close())

	h2, err := Open("testdb", opts, &fakeExecutor{writePayload: []byte("second")}, changebus.New())
	require.NoError(t, err)
	defer func() { _ = h2.Close() }()

	buf := make([]byte, len("hello"))
	n, err := h2.file.Read(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, "hello", string(buf), "reopened handle must see the previous session's durable write")

	raw, found, err := h2.store.GetMeta()
	require.NoError(t, err)
	require.True(t, found)
	meta, err := store.DecodeMetadata(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.Generation, "generation persisted by the first session must survive reopen")
}

func TestHandle_ExportImportRoundTrip(t *testing.T) {
	h := newTestHandle(t, Options{AllowNonLeaderWrites: true}, changebus.New())

	payload := make([]byte, testBlockSize*2)
	for i := range payload {
		payload[i] = byte(i % 200)
	}
	require.NoError(t, h.ImportFromBytes(context.Background(), payload))

	exported, err := h.ExportToBytes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, payload, exported)
}

func TestHandle_ImportFromBytesRejectsEmptyBuffer(t *testing.T) {
	h := newTestHandle(t, Options{AllowNonLeaderWrites: true}, changebus.New())

	err := h.ImportFromBytes(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Invalid))
}

func TestHandle_WaitForLeadershipAcquiresLease(t *testing.T) {
	h := newTestHandle(t, Options{}, changebus.New())

	err := h.WaitForLeadership(time.Second)
	require.NoError(t, err)
	assert.True(t, h.elector.IsLeader())
}

func TestHandle_OperationsAfterCloseFail(t *testing.T) {
	h := newTestHandle(t, Options{AllowNonLeaderWrites: true}, changebus.New())
	require.NoError(t, h.Close())

	_, err := h.Execute(context.Background(), "write", nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Closed))

	assert.NoError(t, h.Close(), "Close must be idempotent")
}

func TestHandle_PeerSubscriberOnSharedBusObservesChange(t *testing.T) {
	// A real peer tab has its own independent browser key-value handle to
	// the same origin store, not a second process-local *bolt.DB on the
	// same file (which bbolt's single-writer file lock wouldn't allow
	// anyway) — so here the "peer" is a second subscriber on the same
	// in-process Change Bus the Handle under test publishes through.
	bus := changebus.New()
	defer bus.Stop()
	writer := newTestHandle(t, Options{AllowNonLeaderWrites: true, AutoSync: true}, bus)

	peerSub := bus.Subscribe("testdb")
	defer bus.Unsubscribe("testdb", peerSub)

	_, err := writer.Execute(context.Background(), "write", nil)
	require.NoError(t, err)

	select {
	case e := <-peerSub:
		assert.Equal(t, "testdb", e.DatabaseName)
	case <-time.After(time.Second):
		t.Fatal("peer subscriber never observed the change")
	}
}
