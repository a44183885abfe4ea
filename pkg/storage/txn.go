package storage

import (
	"github.com/cockroachdb/pebble"

	"github.com/ascrivener/corevm/pkg/coreerrors"
)

// Transaction is either a read/write batch or a read-only snapshot, never
// both. Write operations on a snapshot-backed Transaction panic: callers
// that need to write always go through Store.Begin.
type Transaction struct {
	store *Store
	batch *pebble.Batch
	snap  *pebble.Snapshot
}

func (t *Transaction) reader() pebble.Reader {
	if t.batch != nil {
		return t.batch
	}
	return t.snap
}

// Get reads key from col. Returns a *coreerrors.NotFoundError if absent.
func (t *Transaction) Get(col Column, key []byte) ([]byte, error) {
	v, closer, err := t.reader().Get(prefixedKey(col, key))
	if err == pebble.ErrNotFound {
		return nil, coreerrors.NotFound("key not found in column %#x", byte(col))
	}
	if err != nil {
		return nil, coreerrors.Transient(err, "get from column %#x", byte(col))
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return out, nil
}

// Has reports whether key is present in col.
func (t *Transaction) Has(col Column, key []byte) (bool, error) {
	_, err := t.Get(col, key)
	if coreerrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Set writes key/value into col. Only valid on a write Transaction.
func (t *Transaction) Set(col Column, key, value []byte) error {
	if t.batch == nil {
		panic("storage: Set called on a read-only snapshot transaction")
	}
	if err := t.batch.Set(prefixedKey(col, key), value, nil); err != nil {
		return coreerrors.Transient(err, "set in column %#x", byte(col))
	}
	return nil
}

// Delete removes key from col. Only valid on a write Transaction.
func (t *Transaction) Delete(col Column, key []byte) error {
	if t.batch == nil {
		panic("storage: Delete called on a read-only snapshot transaction")
	}
	if err := t.batch.Delete(prefixedKey(col, key), nil); err != nil {
		return coreerrors.Transient(err, "delete from column %#x", byte(col))
	}
	return nil
}

// Commit applies a write Transaction's batch atomically. Commit on a
// snapshot Transaction just releases the snapshot.
func (t *Transaction) Commit() error {
	if t.batch != nil {
		if err := t.batch.Commit(pebble.Sync); err != nil {
			return coreerrors.Transient(err, "commit transaction")
		}
		return t.batch.Close()
	}
	return t.snap.Close()
}

// Discard abandons a write Transaction without applying it, or releases a
// snapshot Transaction.
func (t *Transaction) Discard() error {
	if t.batch != nil {
		return t.batch.Close()
	}
	return t.snap.Close()
}

// Iterator wraps a pebble iterator bounded to a single column, exposing
// keys with the column prefix already stripped.
type Iterator struct {
	col  Column
	iter *pebble.Iterator
}

// NewIterator returns a forward/reverse-capable iterator over col.
func (t *Transaction) NewIterator(col Column) (*Iterator, error) {
	lower, upper := ColumnBounds(col)
	iter, err := t.reader().NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, coreerrors.Transient(err, "new iterator over column %#x", byte(col))
	}
	return &Iterator{col: col, iter: iter}, nil
}

func (it *Iterator) stripPrefix(k []byte) []byte {
	if len(k) == 0 {
		return k
	}
	return k[1:]
}

// SeekGE positions the iterator at the first key >= key.
func (it *Iterator) SeekGE(key []byte) bool { return it.iter.SeekGE(prefixedKey(it.col, key)) }

// SeekLT positions the iterator at the last key < key (for seek_le callers,
// pass the successor of the desired key, or use SeekLE below).
func (it *Iterator) SeekLT(key []byte) bool { return it.iter.SeekLT(prefixedKey(it.col, key)) }

// SeekLE positions the iterator at the last key <= key: pebble has no
// native "seek for prev inclusive", so this does SeekGE then steps back one
// if the landed key overshot.
func (it *Iterator) SeekLE(key []byte) bool {
	if it.iter.SeekGE(prefixedKey(it.col, key)) {
		if string(it.stripPrefix(it.iter.Key())) == string(key) {
			return true
		}
	}
	return it.iter.Prev()
}

// First positions the iterator at the first key of the column.
func (it *Iterator) First() bool { return it.iter.First() }

// Last positions the iterator at the last key of the column.
func (it *Iterator) Last() bool { return it.iter.Last() }

func (it *Iterator) Next() bool { return it.iter.Next() }
func (it *Iterator) Prev() bool { return it.iter.Prev() }
func (it *Iterator) Valid() bool { return it.iter.Valid() }

func (it *Iterator) Key() []byte {
	return it.stripPrefix(it.iter.Key())
}

func (it *Iterator) Value() []byte {
	v := it.iter.Value()
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (it *Iterator) Close() error {
	return it.iter.Close()
}
