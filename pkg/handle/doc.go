// Package handle implements the public entry point an embedding
// application opens a database through, wiring
// the Block Store, Page Cache, Lock Manager, Leader Elector, VFS Adapter,
// Snapshot Engine and Change Bus behind one facade. See handle.go.
package handle
