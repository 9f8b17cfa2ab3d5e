// Package vfs implements the translation layer between an embedded SQL
// engine's synchronous-looking pread/pwrite/
// truncate/xSync calls and the asynchronous Page Cache + Block Store
// beneath it. The engine itself is a black box; this package exposes only
// the twelve hooks its VFS contract expects.
package vfs

import (
	"context"
	"strings"

	"github.com/npiesco/absurder-sql/pkg/cache"
	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/lock"
	"github.com/npiesco/absurder-sql/pkg/types"
)

// Suffixes that segregate a logical database's auxiliary files from its
// main block space. Each gets an independent File with its own generation
// counter; "-shm" additionally never touches the Store.
const (
	SuffixJournal = "-journal"
	SuffixWAL     = "-wal"
	SuffixSHM     = "-shm"
)

// FileControlOp enumerates the recognized xFileControl operations.
type FileControlOp int

const (
	OpPragmaBusyTimeout FileControlOp = iota
	OpGetGeneration
	OpGetLeaderStatus
	OpForceCheckpoint
)

// File is one open virtual file — the main database file or one of its
// "-journal"/"-wal"/"-shm" siblings. Each has its own cache and lock
// manager since journal/WAL files have independent block spaces and lock
// states from the main file, matching how the SQL engine's VFS contract
// treats them.
type File struct {
	name       string
	isSHM      bool
	blockSize  int
	cache      *cache.Cache
	lock       *lock.Manager
	generation func() uint64
	isLeader   func() bool

	fileSize    uint64
	busyTimeout int
	shmBytes    []byte // process-local scratch space for "-shm", never persisted
}

// Options configures Open.
type Options struct {
	BlockSize       int
	Cache           *cache.Cache
	Lock            *lock.Manager
	Generation      func() uint64 // current metadata generation counter
	IsLeader        func() bool
	InitialFileSize uint64 // file_size from the persisted metadata record, if any
}

// Open creates or attaches to the virtual file named name, seeding file_size
// from opts.InitialFileSize so a reopened database's existing contents are
// visible to Read immediately rather than only after the next write.
// Metadata (and therefore a nonzero file_size) is created lazily on first
// write; opening and reading a never-written database sees a zero-byte file.
func Open(name string, opts Options) *File {
	return &File{
		name:       name,
		isSHM:      strings.HasSuffix(name, SuffixSHM),
		blockSize:  opts.BlockSize,
		cache:      opts.Cache,
		lock:       opts.Lock,
		generation: opts.Generation,
		isLeader:   opts.IsLeader,
		fileSize:   opts.InitialFileSize,
	}
}

// FileSize implements xFileSize: returns the cached file_size.
func (f *File) FileSize() uint64 {
	return f.fileSize
}

// Read implements xRead. Bytes past file_size come back zeroed (a
// SHORT_READ in the engine's terms) rather than erroring, since a sparse
// tail is a valid and common database shape.
func (f *File) Read(buf []byte, offset uint64) (int, error) {
	out := make([]byte, len(buf))
	end := offset + uint64(len(buf))

	for pos := offset; pos < end; {
		blockIndex := pos / uint64(f.blockSize)
		blockOffset := pos % uint64(f.blockSize)
		n := uint64(f.blockSize) - blockOffset
		if pos+n > end {
			n = end - pos
		}

		if !f.isSHM && pos >= f.fileSize {
			pos += n
			continue // already zeroed in out
		}

		var block []byte
		if f.isSHM {
			block = f.readSHMBlock(blockIndex)
		} else {
			loaded, err := f.cache.Read(blockIndex)
			if err != nil {
				return 0, errs.New("vfs.Read", errs.IO, err).With("file", f.name).With("blockIndex", blockIndex)
			}
			block = loaded
		}
		readEnd := blockOffset + n
		if readEnd > uint64(len(block)) {
			readEnd = uint64(len(block))
		}
		copy(out[pos-offset:], block[blockOffset:readEnd])
		pos += n
	}

	copy(buf, out)
	return len(buf), nil
}

// Write implements xWrite. Requires the caller already hold RESERVED or
// higher on f.lock — the VFS adapter doesn't acquire it implicitly, since
// the engine controls lock lifetime across a whole transaction, not a
// single call.
func (f *File) Write(buf []byte, offset uint64) error {
	if f.lock.State() < types.LockReserved {
		return errs.New("vfs.Write", errs.Invalid, nil).With("reason", "RESERVED or higher required")
	}

	end := offset + uint64(len(buf))
	for pos := offset; pos < end; {
		blockIndex := pos / uint64(f.blockSize)
		blockOffset := pos % uint64(f.blockSize)
		n := uint64(f.blockSize) - blockOffset
		if pos+n > end {
			n = end - pos
		}

		var block []byte
		if f.isSHM {
			block = f.readSHMBlock(blockIndex)
		} else {
			existing, err := f.cache.Read(blockIndex)
			if err != nil {
				return errs.New("vfs.Write", errs.IO, err).With("file", f.name).With("blockIndex", blockIndex)
			}
			block = existing
		}

		copy(block[blockOffset:], buf[pos-offset:pos-offset+n])

		if f.isSHM {
			f.writeSHMBlock(blockIndex, block)
		} else if err := f.cache.Write(blockIndex, block); err != nil {
			return errs.New("vfs.Write", errs.IO, err).With("file", f.name).With("blockIndex", blockIndex)
		}
		pos += n
	}

	if end > f.fileSize {
		f.fileSize = end
	}
	return nil
}

func (f *File) readSHMBlock(blockIndex uint64) []byte {
	start := blockIndex * uint64(f.blockSize)
	end := start + uint64(f.blockSize)
	if uint64(len(f.shmBytes)) < end {
		grown := make([]byte, end)
		copy(grown, f.shmBytes)
		f.shmBytes = grown
	}
	return append([]byte(nil), f.shmBytes[start:end]...)
}

func (f *File) writeSHMBlock(blockIndex uint64, block []byte) {
	start := blockIndex * uint64(f.blockSize)
	copy(f.shmBytes[start:], block)
}

// Truncate implements xTruncate. Requires RESERVED; drops cache entries at
// or beyond the new block boundary and updates file_size. The Store-level
// delete of those blocks is the caller's (Handle's) responsibility at the
// next sync — it schedules the deletion rather than performing it inline.
func (f *File) Truncate(size uint64) error {
	if f.lock.State() < types.LockReserved {
		return errs.New("vfs.Truncate", errs.Invalid, nil).With("reason", "RESERVED or higher required")
	}
	boundaryBlock := size / uint64(f.blockSize)
	if size%uint64(f.blockSize) != 0 {
		boundaryBlock++
	}
	f.cache.Truncate(boundaryBlock)
	f.fileSize = size
	return nil
}

// Sync implements xSync: flushes the cache and returns only once the Store
// acknowledges durability. The "-shm" file never reaches the Store, so
// Sync on it is a no-op (there is nothing to make durable).
func (f *File) Sync() error {
	if f.isSHM {
		return nil
	}
	if err := f.cache.Flush(); err != nil {
		return errs.New("vfs.Sync", errs.IO, err).With("file", f.name)
	}
	return nil
}

// Lock implements xLock.
func (f *File) Lock(ctx context.Context, level types.LockState) error {
	return f.lock.Acquire(ctx, level)
}

// Unlock implements xUnlock.
func (f *File) Unlock(level types.LockState) error {
	return f.lock.Release(level)
}

// CheckReservedLock implements xCheckReservedLock.
func (f *File) CheckReservedLock() bool {
	return f.lock.State() >= types.LockReserved
}

// FileControl implements xFileControl. Unrecognized ops report
// recognized=false with a nil error, which stands for the engine's NOTFOUND;
// pkg/errs has no dedicated error kind for it.
func (f *File) FileControl(ctx context.Context, op FileControlOp, arg int) (result int64, recognized bool, err error) {
	switch op {
	case OpPragmaBusyTimeout:
		f.busyTimeout = arg
		return 0, true, nil
	case OpGetGeneration:
		return int64(f.generation()), true, nil
	case OpGetLeaderStatus:
		if f.isLeader() {
			return 1, true, nil
		}
		return 0, true, nil
	case OpForceCheckpoint:
		if err := f.Sync(); err != nil {
			return 0, true, err
		}
		return 0, true, nil
	default:
		return 0, false, nil
	}
}

// BusyTimeout returns the window set by the last PRAGMA_BUSY_TIMEOUT
// FileControl call, or zero if never set.
func (f *File) BusyTimeout() int {
	return f.busyTimeout
}
