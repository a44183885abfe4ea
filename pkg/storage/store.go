// Package storage is the sole mediator of transactional access to the
// embedded ordered key-value store, per spec.md §1. It wraps
// github.com/cockroachdb/pebble (the teacher's storage dependency) the same
// way the teacher's PebbleStateRepository wraps it for JAM state, but with
// an explicit *Store handle instead of a package-level singleton: spec.md
// §9 calls for no global mutable state, so every caller threads a *Store
// (or a *Transaction derived from one) explicitly.
package storage

import (
	"github.com/cockroachdb/pebble"

	"github.com/ascrivener/corevm/pkg/coreerrors"
)

// Store owns the single pebble handle corevm runs against.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, coreerrors.Transient(err, "open pebble store at %s", path)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a pebble store backed by an in-memory vfs, used by
// tests that don't want to touch disk.
func OpenInMemory() (*Store, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfsMemFS()})
	if err != nil {
		return nil, coreerrors.Transient(err, "open in-memory pebble store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return coreerrors.Transient(err, "close pebble store")
	}
	return nil
}

// Begin opens a new read/write transaction backed by a pebble indexed
// batch: reads inside the transaction see its own uncommitted writes, which
// ValueStore and CheckpointIndex both rely on within a single call.
func (s *Store) Begin() *Transaction {
	return &Transaction{store: s, batch: s.db.NewIndexedBatch()}
}

// Snapshot opens a new read-only transaction backed by a pebble snapshot: a
// consistent point-in-time view that never blocks the Executor's writes and
// is never itself blocked by them. ExecutionCursors read only through it;
// LogsCursor reads made while the Executor services a cursor or a reorg
// truncates one go through the write transaction instead.
func (s *Store) Snapshot() *Transaction {
	return &Transaction{store: s, snap: s.db.NewSnapshot()}
}
