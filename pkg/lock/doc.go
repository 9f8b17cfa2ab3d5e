// Package lock implements the local side of the SQL engine's five-state
// file lock ladder: UNLOCKED, SHARED, RESERVED, PENDING, EXCLUSIVE, with
// RESERVED/EXCLUSIVE additionally requiring this tab to hold the writer
// lease. See lock.go for the transition table.
package lock
