// Package vfs implements the twelve-hook VFS contract an embedded SQL
// engine expects: xOpen/xRead/xWrite/xTruncate/xFileSize/
// xSync/xLock/xUnlock/xCheckReservedLock/xFileControl. The main database
// file and its "-journal"/"-wal"/"-shm" siblings are each a separate File
// with independent block space and lock state; "-shm" never reaches the
// Store. See vfs.go.
package vfs
