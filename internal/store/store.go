// Package store provides log-store implementations behind the WAL
// worker: a durable file store and an in-memory store for tests.
//
// A store holds records keyed by (partition, id). Appending a committed
// record for an id supersedes the proposed one; readers resolve the
// latest record per id.
package store

import "errors"

// Store errors.
var (
	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("store: closed")
)

// maxRecordSize bounds a single serialized record, protecting recovery
// from reading a corrupt length prefix as a huge allocation.
const maxRecordSize = 64 * 1024 * 1024
