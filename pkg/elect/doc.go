// Package elect implements leader election as a lease compare-and-swap
// race over the Block Store's lease keyspace: no quorum,
// no network RPC, just tabs of one origin contending for a single writer
// lease with TTL-bounded heartbeats. See elect.go.
package elect
