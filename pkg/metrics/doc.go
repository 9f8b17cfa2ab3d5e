// Package metrics exposes the prometheus collectors this module registers
// for cache, store, lease, lock and change-bus activity, plus a small Timer
// helper for histogram observations.
package metrics
