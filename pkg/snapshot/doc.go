// Package snapshot implements atomic export/import of a whole database:
// Export walks the lock ladder to EXCLUSIVE, flushes the cache, and
// concatenates Store blocks into one buffer; Import does the reverse,
// replacing the block namespace and bumping the metadata generation with
// change_type "snapshot_replaced". See snapshot.go.
package snapshot
