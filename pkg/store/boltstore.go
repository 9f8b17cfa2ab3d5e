package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/npiesco/absurder-sql/pkg/errs"
	"github.com/npiesco/absurder-sql/pkg/log"
	"github.com/npiesco/absurder-sql/pkg/metrics"
	"github.com/npiesco/absurder-sql/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlocks = []byte("blocks")
	bucketMeta   = []byte("meta")
	bucketLease  = []byte("lease")
)

// Options configures a BoltStore.
type Options struct {
	// ChecksumEnabled appends a trailing CRC32 checksum to every stored block and
	// verifies it on read, surfacing errs.Corrupt on mismatch. Off by
	// default.
	ChecksumEnabled bool
}

// BoltStore implements Store and LeaseStore on top of a single bbolt file,
// one file per database. The block keyspace and the lease keyspace live in
// separate buckets of the same file rather than separate files, since the
// "<database-name>__locks" sibling keyspace only needs to be logically
// distinct, not physically distinct.
type BoltStore struct {
	db   *bolt.DB
	opts Options
}

// NewBoltStore opens (creating if absent) the bbolt file for database name
// under dataDir, e.g. dataDir/<name>.db.
func NewBoltStore(dataDir, name string, opts Options) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.New("store.Open", errs.IO, err).With("dataDir", dataDir)
	}

	dbPath := filepath.Join(dataDir, name+".db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, errs.New("store.Open", errs.IO, err).With("path", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBlocks, bucketMeta, bucketLease} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errs.New("store.Open", errs.IO, err)
	}

	log.WithComponent("store").Debug().Str("database", name).Str("path", dbPath).Msg("store opened")
	return &BoltStore{db: db, opts: opts}, nil
}

func (s *BoltStore) encode(value []byte) []byte {
	if !s.opts.ChecksumEnabled {
		return value
	}
	sum := crc32.ChecksumIEEE(value)
	out := make([]byte, len(value)+4)
	copy(out, value)
	binary.LittleEndian.PutUint32(out[len(value):], sum)
	return out
}

func (s *BoltStore) decode(stored []byte) ([]byte, error) {
	if !s.opts.ChecksumEnabled {
		return stored, nil
	}
	if len(stored) < 4 {
		return nil, errs.New("store.decode", errs.Corrupt, fmt.Errorf("stored value too short for checksum (%d bytes)", len(stored)))
	}
	want := binary.LittleEndian.Uint32(stored[len(stored)-4:])
	payload := stored[:len(stored)-4]
	got := crc32.ChecksumIEEE(payload)
	if got != want {
		return nil, errs.New("store.decode", errs.Corrupt, fmt.Errorf("checksum mismatch: want %x got %x", want, got))
	}
	return payload, nil
}

// Get implements Store.
func (s *BoltStore) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBlocks).Get(key)
		if v == nil {
			return nil
		}
		found = true
		decoded, err := s.decode(v)
		if err != nil {
			return err
		}
		out = append([]byte(nil), decoded...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, found, nil
}

// PutBatch implements Store.
func (s *BoltStore) PutBatch(pairs []KV) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StorePutBatchDuration)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		meta := tx.Bucket(bucketMeta)
		for _, kv := range pairs {
			// The meta:db record rides in the same transaction as the blocks
			// but lives in the meta bucket, where GetMeta reads it.
			if bytes.Equal(kv.Key, MetaKey()) {
				if err := meta.Put(kv.Key, kv.Value); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(kv.Key, s.encode(kv.Value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.New("store.PutBatch", errs.IO, err).With("count", len(pairs))
	}
	return nil
}

// Delete implements Store.
func (s *BoltStore) Delete(start, end []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(start); k != nil && bytes.Compare(k, end) < 0; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.New("store.Delete", errs.IO, err)
	}
	return nil
}

// Scan implements Store.
func (s *BoltStore) Scan(fn func(key, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			decoded, err := s.decode(v)
			if err != nil {
				return err
			}
			if err := fn(k, decoded); err != nil {
				return err
			}
		}
		return nil
	})
}

// Size implements Store.
func (s *BoltStore) Size() (int64, error) {
	var total int64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(_, v []byte) error {
			total += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return 0, errs.New("store.Size", errs.IO, err)
	}
	return total, nil
}

// Close implements Store and LeaseStore.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// GetMeta returns the raw meta:db record, or (nil, false) if never set.
func (s *BoltStore) GetMeta() ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(MetaKey())
		if v == nil {
			return nil
		}
		found = true
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, false, errs.New("store.GetMeta", errs.IO, err)
	}
	return out, found, nil
}

// PutMeta writes the meta:db record unconditionally.
func (s *BoltStore) PutMeta(value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(MetaKey(), value)
	})
	if err != nil {
		return errs.New("store.PutMeta", errs.IO, err)
	}
	return nil
}

// leaseRecordKey is fixed: one lease per database.
var leaseRecordKey = []byte(types.LeaseKey)

// leaseEnvelope is what's actually stored: the caller's lease bytes plus the
// monotonic epoch CompareAndSwapLease arbitrates on.
type leaseEnvelope struct {
	epoch uint64
	value []byte
}

func encodeLeaseEnvelope(e leaseEnvelope) []byte {
	out := make([]byte, 8+len(e.value))
	binary.LittleEndian.PutUint64(out[:8], e.epoch)
	copy(out[8:], e.value)
	return out
}

func decodeLeaseEnvelope(buf []byte) (leaseEnvelope, error) {
	if len(buf) < 8 {
		return leaseEnvelope{}, fmt.Errorf("store: malformed lease envelope (%d bytes)", len(buf))
	}
	return leaseEnvelope{
		epoch: binary.LittleEndian.Uint64(buf[:8]),
		value: append([]byte(nil), buf[8:]...),
	}, nil
}

// GetLease implements LeaseStore. The returned epoch is the envelope's
// current epoch, not anything embedded in the lease value itself — callers
// must pass it back into CompareAndSwapLease to contest the record.
func (s *BoltStore) GetLease() ([]byte, uint64, bool, error) {
	var out []byte
	var epoch uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLease).Get(leaseRecordKey)
		if v == nil {
			return nil
		}
		env, err := decodeLeaseEnvelope(v)
		if err != nil {
			return err
		}
		found = true
		epoch = env.epoch
		out = env.value
		return nil
	})
	if err != nil {
		return nil, 0, false, errs.New("store.GetLease", errs.IO, err)
	}
	return out, epoch, found, nil
}

// CompareAndSwapLease implements LeaseStore. bbolt's single-writer Update
// transaction gives this a true compare-and-swap: the read and the
// conditional write happen inside one serialized transaction, so no other
// tab's swap can interleave between the check and the put.
func (s *BoltStore) CompareAndSwapLease(expectedEpoch uint64, newValue []byte) (bool, error) {
	swapped := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLease)
		current := b.Get(leaseRecordKey)

		var currentEpoch uint64
		if current != nil {
			env, err := decodeLeaseEnvelope(current)
			if err != nil {
				return err
			}
			currentEpoch = env.epoch
		}

		if currentEpoch != expectedEpoch {
			return nil
		}

		next := leaseEnvelope{epoch: expectedEpoch + 1, value: newValue}
		if err := b.Put(leaseRecordKey, encodeLeaseEnvelope(next)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, errs.New("store.CompareAndSwapLease", errs.IO, err)
	}
	return swapped, nil
}

// DeleteLease implements LeaseStore.
func (s *BoltStore) DeleteLease() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLease).Delete(leaseRecordKey)
	})
	if err != nil {
		return errs.New("store.DeleteLease", errs.IO, err)
	}
	return nil
}
