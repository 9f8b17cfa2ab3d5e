// Package changebus implements a per-database publish/subscribe broker
// that notifies other tabs of a change_type once a
// write, sync, or snapshot import lands, without them polling the Store. See
// changebus.go.
package changebus
