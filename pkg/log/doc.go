// Package log wraps zerolog with the fields this module's components
// attach: component, tab_id, database. See pkg/log/log.go for the Init
// entry point.
package log
