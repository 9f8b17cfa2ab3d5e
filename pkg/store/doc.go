// Package store implements the block store on top of bbolt:
// a blocks bucket keyed by "blk:<u32be index>", a meta bucket holding the
// single "meta:db" record, and a lease bucket holding the writer lease this
// database's pkg/elect arbitrates over. See store.go for the Store and
// LeaseStore interfaces and boltstore.go for the bbolt-backed
// implementation.
package store
