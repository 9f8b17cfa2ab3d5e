// Package store implements durable, asynchronous-in-contract get/put/delete
// of fixed-size byte blocks keyed by
// (database_name, block_index), plus a side channel for metadata and
// leader-election leases.
package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/npiesco/absurder-sql/pkg/types"
)

func timeFromMillis(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

// KV is the pair a PutBatch call writes atomically.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the durable, keyed byte-block persistence layer one database
// opens against. Every method may block on the underlying medium (bbolt, or
// in production a browser key-value object store); none of them is
// cancellable mid-flight, so callers layer any cancellation semantics of
// their own on top.
type Store interface {
	// Get returns the bytes for key, or (nil, false) if key was never
	// written. Callers treat an absent block as all-zero.
	Get(key []byte) ([]byte, bool, error)

	// PutBatch writes every pair atomically: either all are durable or
	// none are. Returns only after durability is guaranteed.
	PutBatch(pairs []KV) error

	// Delete removes every key in [start, end) lexicographically.
	// Idempotent.
	Delete(start, end []byte) error

	// Scan iterates all (key, value) pairs in key order, calling fn for
	// each. The iteration is a read-consistent snapshot taken at call
	// time. Returning an error from fn stops the scan and surfaces it.
	Scan(fn func(key, value []byte) error) error

	// Size returns the total durable bytes held for this database.
	Size() (int64, error)

	// Close releases the underlying handle. Idempotent.
	Close() error
}

// LeaseStore is the sibling keyspace ("<database-name>__locks") holding the
// single writer lease record for a database.
type LeaseStore interface {
	// GetLease returns the current lease bytes and the envelope epoch a
	// caller must pass back into CompareAndSwapLease to contest it, or
	// (nil, 0, false) if no lease has ever been written.
	GetLease() ([]byte, uint64, bool, error)

	// CompareAndSwapLease installs newValue only if the stored value's
	// write epoch still matches expectedEpoch (0 meaning "absent").
	// Returns true if the swap happened.
	CompareAndSwapLease(expectedEpoch uint64, newValue []byte) (bool, error)

	// DeleteLease removes the lease record unconditionally. Idempotent.
	DeleteLease() error

	Close() error
}

// BlockKey returns the "blk:<u32 big-endian index>" key for blockIndex.
func BlockKey(blockIndex uint64) []byte {
	key := make([]byte, len(types.BlockKeyPrefix)+4)
	copy(key, types.BlockKeyPrefix)
	binary.BigEndian.PutUint32(key[len(types.BlockKeyPrefix):], uint32(blockIndex))
	return key
}

// BlockIndexFromKey parses a key produced by BlockKey. Returns an error if
// key does not have the expected prefix and length.
func BlockIndexFromKey(key []byte) (uint64, error) {
	if len(key) != len(types.BlockKeyPrefix)+4 {
		return 0, fmt.Errorf("store: malformed block key %q", key)
	}
	return uint64(binary.BigEndian.Uint32(key[len(types.BlockKeyPrefix):])), nil
}

// MetaKey returns the fixed "meta:db" key.
func MetaKey() []byte {
	return []byte(types.MetaKey)
}

// BlocksRange returns [start, end) bounding every possible block key,
// suitable for a full-namespace Delete or Scan: start is BlockKey(0) and
// end is the smallest key lexicographically greater than any "blk:"-
// prefixed key.
func BlocksRange() (start, end []byte) {
	start = BlockKey(0)
	end = []byte(types.BlockKeyPrefix)
	end[len(end)-1]++
	return start, end
}

// EncodeMetadata packs a Metadata record into the stable little-endian
// layout
// {version:u16, block_size:u16, file_size:u64, generation:u64, last_writer:u128}.
func EncodeMetadata(m types.Metadata) []byte {
	buf := make([]byte, 2+2+8+8+16)
	binary.LittleEndian.PutUint16(buf[0:2], m.Version)
	binary.LittleEndian.PutUint16(buf[2:4], m.BlockSize)
	binary.LittleEndian.PutUint64(buf[4:12], m.FileSize)
	binary.LittleEndian.PutUint64(buf[12:20], m.Generation)
	copy(buf[20:36], m.LastWriter[:])
	return buf
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(buf []byte) (types.Metadata, error) {
	if len(buf) != 36 {
		return types.Metadata{}, fmt.Errorf("store: malformed metadata record (%d bytes)", len(buf))
	}
	var m types.Metadata
	m.Version = binary.LittleEndian.Uint16(buf[0:2])
	m.BlockSize = binary.LittleEndian.Uint16(buf[2:4])
	m.FileSize = binary.LittleEndian.Uint64(buf[4:12])
	m.Generation = binary.LittleEndian.Uint64(buf[12:20])
	copy(m.LastWriter[:], buf[20:36])
	return m, nil
}

// EncodeLease packs a Lease into {leader_id:u128, acquired_at:i64 ms,
// expires_at:i64 ms, epoch:u64}.
func EncodeLease(l types.Lease) []byte {
	buf := make([]byte, 16+8+8+8)
	copy(buf[0:16], l.LeaderID[:])
	binary.LittleEndian.PutUint64(buf[16:24], uint64(l.AcquiredAt.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(l.ExpiresAt.UnixMilli()))
	binary.LittleEndian.PutUint64(buf[32:40], l.WriteEpoch)
	return buf
}

// DecodeLease is the inverse of EncodeLease. DatabaseName and
// HeartbeatEpoch are not part of the packed record (the former is implicit
// in which database's lease bucket this came from, the latter is an
// in-memory-only counter) and are left zero-valued.
func DecodeLease(buf []byte) (types.Lease, error) {
	if len(buf) != 40 {
		return types.Lease{}, fmt.Errorf("store: malformed lease record (%d bytes)", len(buf))
	}
	var l types.Lease
	copy(l.LeaderID[:], buf[0:16])
	l.AcquiredAt = timeFromMillis(binary.LittleEndian.Uint64(buf[16:24]))
	l.ExpiresAt = timeFromMillis(binary.LittleEndian.Uint64(buf[24:32]))
	l.WriteEpoch = binary.LittleEndian.Uint64(buf[32:40])
	return l, nil
}
