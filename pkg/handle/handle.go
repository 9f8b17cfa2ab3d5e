// Package handle implements the public facade an embedding application
// opens a database through. It sequences
// writes behind leadership, drives sync and change-event broadcast after
// each write, and exposes reads regardless of leadership — wiring together
// every other component in this module without exposing their internals.
package handle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/npiesco/absurder-sql/pkg/cache"
	"github.com/npiesco/absurder-sql/pkg/changebus"
	"github.com/npiesco/absurder-sql/pkg/elect"
	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/lock"
	"github.com/npiesco/absurder-sql/pkg/log"
	"github.com/npiesco/absurder-sql/pkg/snapshot"
	"github.com/npiesco/absurder-sql/pkg/store"
	"github.com/npiesco/absurder-sql/pkg/types"
	"github.com/npiesco/absurder-sql/pkg/vfs"
)

// JournalMode selects how the SQL engine's VFS file is opened.
type JournalMode string

const (
	JournalRollback JournalMode = "rollback"
	JournalWAL      JournalMode = "wal"
)

// Options configures Open. The Handle needs no generic config-file loader
// beyond this struct, since Open already names every tunable.
type Options struct {
	BlockSize             int
	CacheEntries          int
	JournalMode           JournalMode
	LeaseMillis           int64
	AllowNonLeaderWrites  bool // for tests: skip the leadership check on writes
	AutoSync              bool
	DataDir               string
	ChecksumEnabled       bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = types.BlockSize4K
	}
	if o.CacheEntries == 0 {
		o.CacheEntries = 256
	}
	if o.JournalMode == "" {
		o.JournalMode = JournalWAL
	}
	if o.LeaseMillis == 0 {
		o.LeaseMillis = 10_000
	}
	return o
}

// StatementExecutor is the black-box SQL engine this Handle drives through
// the VFS hooks in pkg/vfs. The engine itself is never implemented here;
// callers inject whatever embedded SQL engine they've wired to the VFS
// contract.
type StatementExecutor interface {
	// Execute runs sql against the database file opened through vfsFile,
	// returning result rows and whether the statement mutated the
	// database (so the Handle knows whether a post-write sync is owed).
	Execute(ctx context.Context, vfsFile *vfs.File, sql string, params []any) (rows []map[string]any, wrote bool, err error)
}

// Subscription is returned by OnDataChange; call Unsubscribe to stop
// receiving callbacks.
type Subscription struct {
	unsubscribe func()
}

// Unsubscribe stops delivery to the callback this Subscription was
// returned for. Idempotent.
func (s Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// Handle is the public entry point for one open database: it owns the
// Block Store, Page Cache, Lock Manager, Leader Elector, VFS file and
// Snapshot Engine for a single database_name, and the Change Bus
// subscription feeding its OnDataChange callbacks.
type Handle struct {
	name string
	opts Options

	store   *store.BoltStore
	cache   *cache.Cache
	lockMgr *lock.Manager
	elector *elect.Elector
	file    *vfs.File
	snap    *snapshot.Engine
	bus     *changebus.Bus
	exec    StatementExecutor

	busySub changebus.Subscription
	closed  bool
}

// Open opens (creating if necessary) the database named name under
// opts.DataDir, wiring every component this module provides. bus is the
// shared Change Bus the caller's process-wide set of open Handles use;
// passing the same *changebus.Bus across Handles in one process lets tabs
// notify each other in-process as well as through the Store.
func Open(name string, opts Options, exec StatementExecutor, bus *changebus.Bus) (*Handle, error) {
	opts = opts.withDefaults()

	bs, err := store.NewBoltStore(opts.DataDir, name, store.Options{ChecksumEnabled: opts.ChecksumEnabled})
	if err != nil {
		return nil, errs.New("handle.Open", errs.IO, err).With("database", name)
	}

	elector := elect.New(elect.Config{
		DatabaseName: name,
		LeaseTTL:     time.Duration(opts.LeaseMillis) * time.Millisecond,
	}, bs)

	lockMgr := lock.New(leadershipAdapter{elector: elector, allowAll: opts.AllowNonLeaderWrites})

	readMeta := func() (types.Metadata, bool) {
		raw, found, err := bs.GetMeta()
		if err != nil || !found {
			return types.Metadata{}, false
		}
		meta, err := store.DecodeMetadata(raw)
		if err != nil {
			return types.Metadata{}, false
		}
		return meta, true
	}

	// vfsFileRef lets the Flusher closure below read the live file_size at
	// flush time even though the *vfs.File doesn't exist until after the
	// Cache it's flushed through is constructed.
	var vfsFileRef *vfs.File

	var pageCache *cache.Cache
	pageCache, err = cache.New(opts.BlockSize, opts.CacheEntries,
		func(idx uint64) ([]byte, bool, error) { return bs.Get(store.BlockKey(idx)) },
		func(entries []types.CacheEntry) error {
			pairs := make([]store.KV, len(entries), len(entries)+1)
			for i, e := range entries {
				pairs[i] = store.KV{Key: store.BlockKey(e.BlockIndex), Value: e.Bytes}
			}

			current, _ := readMeta()
			var fileSize uint64
			if vfsFileRef != nil {
				fileSize = vfsFileRef.FileSize()
			}
			next := types.Metadata{
				Version:    types.SchemaVersion,
				BlockSize:  uint16(opts.BlockSize),
				FileSize:   fileSize,
				Generation: current.Generation + 1,
				LastWriter: elector.LeaderID(),
			}
			pairs = append(pairs, store.KV{Key: store.MetaKey(), Value: store.EncodeMetadata(next)})

			// Dirty blocks and the advanced metadata record land in the
			// same bbolt transaction: a crash between them can't leave the
			// generation counter ahead of the blocks it describes.
			return bs.PutBatch(pairs)
		},
	)
	if err != nil {
		_ = bs.Close()
		return nil, errs.New("handle.Open", errs.Invalid, err).With("database", name)
	}

	generation := func() uint64 {
		meta, found := readMeta()
		if !found {
			return 0
		}
		return meta.Generation
	}

	initialMeta, _ := readMeta()

	vfsFile := vfs.Open(name, vfs.Options{
		BlockSize:       opts.BlockSize,
		Cache:           pageCache,
		Lock:            lockMgr,
		Generation:      generation,
		IsLeader:        elector.IsLeader,
		InitialFileSize: initialMeta.FileSize,
	})
	vfsFileRef = vfsFile

	leaderIDFn := func() [16]byte { return elector.LeaderID() }
	snapEngine := snapshot.New(bs, pageCache, lockMgr, opts.BlockSize, leaderIDFn, busEmitter{name: name, bus: bus})

	h := &Handle{
		name:    name,
		opts:    opts,
		store:   bs,
		cache:   pageCache,
		lockMgr: lockMgr,
		elector: elector,
		file:    vfsFile,
		snap:    snapEngine,
		bus:     bus,
		exec:    exec,
	}
	log.WithDatabase(name).Info().Msg("database handle opened")
	return h, nil
}

// leadershipAdapter lets AllowNonLeaderWrites (a test-only escape hatch)
// short-circuit the Lock Manager's leadership gate without pkg/lock
// needing to know about Handle-level test options.
type leadershipAdapter struct {
	elector  *elect.Elector
	allowAll bool
}

func (a leadershipAdapter) IsLeader() bool {
	return a.allowAll || a.elector.IsLeader()
}

// busEmitter stamps the database name onto the events the Snapshot Engine
// publishes, since the Change Bus routes events by that name.
type busEmitter struct {
	name string
	bus  *changebus.Bus
}

func (e busEmitter) Publish(event types.ChangeEvent) {
	if e.bus == nil {
		return
	}
	event.DatabaseName = e.name
	e.bus.Publish(event)
}

// Execute runs sql, gated on leadership unless AllowNonLeaderWrites, and
// drives sync + change-event broadcast after a write when AutoSync is set.
func (h *Handle) Execute(ctx context.Context, sql string, params []any) ([]map[string]any, error) {
	if h.closed {
		return nil, errs.New("handle.Execute", errs.Closed, nil).With("database", h.name)
	}

	rows, wrote, err := h.withBusyRetry(ctx, func() ([]map[string]any, bool, error) {
		return h.exec.Execute(ctx, h.file, sql, params)
	})
	if err != nil {
		return nil, err
	}

	if wrote && h.opts.AutoSync {
		if err := h.syncAndNotify(types.ChangeData); err != nil {
			return rows, err
		}
	}
	return rows, nil
}

// withBusyRetry retries a write that reports BUSY (lock contention, lease
// not yet held) with capped exponential backoff up to the lease's TTL
// window.
func (h *Handle) withBusyRetry(ctx context.Context, fn func() ([]map[string]any, bool, error)) ([]map[string]any, bool, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = time.Duration(h.opts.LeaseMillis) * time.Millisecond
	bo := backoff.WithContext(eb, ctx)

	var rows []map[string]any
	var wrote bool
	retryErr := backoff.Retry(func() error {
		r, w, err := fn()
		if err != nil {
			if errs.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		rows, wrote = r, w
		return nil
	}, bo)

	if retryErr != nil {
		return nil, false, retryErr
	}
	return rows, wrote, nil
}

// Sync forces xSync on the underlying VFS file.
func (h *Handle) Sync() error {
	if h.closed {
		return errs.New("handle.Sync", errs.Closed, nil).With("database", h.name)
	}
	return h.syncAndNotify(types.ChangeData)
}

func (h *Handle) syncAndNotify(changeType types.ChangeType) error {
	if err := h.file.Sync(); err != nil {
		return errs.New("handle.Sync", errs.IO, err).With("database", h.name)
	}
	raw, found, err := h.store.GetMeta()
	var generation uint64
	if err == nil && found {
		if meta, decErr := store.DecodeMetadata(raw); decErr == nil {
			generation = meta.Generation
		}
	}
	if h.bus != nil {
		h.bus.Publish(types.ChangeEvent{
			DatabaseName:   h.name,
			Generation:     generation,
			ChangeType:     changeType,
			OriginLeaderID: h.elector.LeaderID(),
		})
	}
	return nil
}

// ExportToBytes produces a byte-identical snapshot of the database via the
// Snapshot Engine.
func (h *Handle) ExportToBytes(ctx context.Context) ([]byte, error) {
	if h.closed {
		return nil, errs.New("handle.ExportToBytes", errs.Closed, nil).With("database", h.name)
	}
	return h.snap.Export(ctx)
}

// ImportFromBytes atomically replaces the database's contents via the
// Snapshot Engine.
func (h *Handle) ImportFromBytes(ctx context.Context, data []byte) error {
	if h.closed {
		return errs.New("handle.ImportFromBytes", errs.Closed, nil).With("database", h.name)
	}
	if len(data) == 0 {
		return errs.New("handle.ImportFromBytes", errs.Invalid, nil).With("reason", "empty buffer")
	}
	return h.snap.Import(ctx, data)
}

// WaitForLeadership blocks until this tab becomes the writer for the
// database, or timeout elapses (errs.Timeout).
func (h *Handle) WaitForLeadership(timeout time.Duration) error {
	if h.closed {
		return errs.New("handle.WaitForLeadership", errs.Closed, nil).With("database", h.name)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := h.elector.WaitForLeadership(ctx); err != nil {
		if ctx.Err() != nil {
			return errs.New("handle.WaitForLeadership", errs.Timeout, ctx.Err()).With("database", h.name)
		}
		return err
	}
	return nil
}

// OnDataChange registers callback to run whenever a ChangeEvent for this
// database is published, whether by this Handle's own syncs/imports or by
// a peer tab's. The returned Subscription must be unsubscribed to stop
// delivery and release the underlying Change Bus channel.
func (h *Handle) OnDataChange(callback func(types.ChangeEvent)) Subscription {
	if h.bus == nil {
		return Subscription{}
	}
	sub := h.bus.Subscribe(h.name)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-sub:
				if !ok {
					return
				}
				callback(event)
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return Subscription{unsubscribe: func() {
		once.Do(func() {
			close(stop)
			h.bus.Unsubscribe(h.name, sub)
		})
	}}
}

// Close flushes the cache, releases the lease and closes the Block Store.
// It does not cancel Subscriptions returned by OnDataChange; each stays
// attached to the Change Bus until its own Unsubscribe is called.
// Idempotent.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	if err := h.cache.Flush(); err != nil {
		return errs.New("handle.Close", errs.IO, err).With("database", h.name)
	}
	if err := h.elector.ForceRelinquish(); err != nil {
		return errs.New("handle.Close", errs.IO, err).With("database", h.name)
	}
	if err := h.store.Close(); err != nil {
		return errs.New("handle.Close", errs.IO, err).With("database", h.name)
	}
	log.WithDatabase(h.name).Info().Msg("database handle closed")
	return nil
}
