/*
Package types holds the data shapes shared across the block store, page
cache, lock manager, leader elector, VFS adapter and database handle. It has
no behavior of its own; every other package in this module imports it.
*/
package types
