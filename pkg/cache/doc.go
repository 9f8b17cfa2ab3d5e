// Package cache implements the page cache sitting between the VFS
// adapter and the Block Store: a soft/hard-capacity bounded map of
// block-index to CacheEntry, clock-LRU eviction restricted to clean entries,
// and singleflight-coalesced Store loads on concurrent misses. See cache.go.
package cache
