// Package valuestore implements the content-addressed, reference-counted
// persistent representation of VM values described in spec.md §4.1. Every
// distinct value lives under key H(value) in storage.ColValues, with a
// payload of (refcount, shallow-serialized form); tuples reference their
// children by hash only, so refcount cycles cannot form (spec.md §9).
package valuestore

import (
	"encoding/binary"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
)

const refcountWidth = 8

// Put persists v (recursively, for a tuple) inside tx, incrementing
// refcounts for every node touched, and returns v's content hash. All
// mutation happens inside tx's batch; ValueStore is never transactional on
// its own, per spec.md §4.1.
func Put(tx *storage.Transaction, v value.Value) (value.Hash, error) {
	if v.IsTuple() {
		children := v.Tuple()
		childHashes := make([]value.Hash, len(children))
		for i, c := range children {
			h, err := Put(tx, c)
			if err != nil {
				return value.Hash{}, err
			}
			childHashes[i] = h
		}
		return putShallow(tx, value.ShallowEncode(v, childHashes))
	}
	return putShallow(tx, value.ShallowEncode(v, nil))
}

func putShallow(tx *storage.Transaction, payload []byte) (value.Hash, error) {
	h := hashPayload(payload)
	key := h[:]

	existing, err := tx.Get(storage.ColValues, key)
	if err != nil && !coreerrors.IsNotFound(err) {
		return value.Hash{}, err
	}

	var refcount uint64
	if err == nil {
		refcount = binary.BigEndian.Uint64(existing[:refcountWidth])
	}
	refcount++

	out := make([]byte, refcountWidth+len(payload))
	binary.BigEndian.PutUint64(out[:refcountWidth], refcount)
	copy(out[refcountWidth:], payload)

	if err := tx.Set(storage.ColValues, key, out); err != nil {
		return value.Hash{}, err
	}
	return h, nil
}

func hashPayload(payload []byte) value.Hash {
	// payload is already the shallow-encoded form; re-derive the hash the
	// same way value.Value.Hash does, without needing the original Value.
	return value.HashShallow(payload)
}

// Get reconstitutes the value stored under h, consulting cache to skip
// redundant reads of shared substructure within one operation.
func Get(tx *storage.Transaction, h value.Hash, cache *Cache) (value.Value, error) {
	if v, ok := cache.Get(h); ok {
		return v, nil
	}

	raw, err := tx.Get(storage.ColValues, h[:])
	if err != nil {
		return value.Value{}, err
	}
	if len(raw) < refcountWidth {
		return value.Value{}, coreerrors.Fatal("valuestore: payload for %s shorter than refcount header", h)
	}
	payload := raw[refcountWidth:]

	leaf, isLeaf, childHashes, err := value.DecodeShallow(payload)
	if err != nil {
		return value.Value{}, coreerrors.WrapFatal(err, "valuestore: corrupt payload for "+h.String())
	}
	if isLeaf {
		cache.Put(h, leaf)
		return leaf, nil
	}

	children := make([]value.Value, len(childHashes))
	for i, ch := range childHashes {
		cv, err := Get(tx, ch, cache)
		if err != nil {
			return value.Value{}, err
		}
		children[i] = cv
	}
	v := value.AssembleTuple(children)
	cache.Put(h, v)
	return v, nil
}

// Delete decrements h's refcount; once it reaches zero the payload is
// removed and, for a tuple, every child hash is recursively deleted too.
// A refcount that was already zero (underflow) indicates a corrupt
// database and is fatal: the process must stop before further damage,
// per spec.md §4.1.
func Delete(tx *storage.Transaction, h value.Hash) error {
	raw, err := tx.Get(storage.ColValues, h[:])
	if err != nil {
		if coreerrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if len(raw) < refcountWidth {
		return coreerrors.Fatal("valuestore: payload for %s shorter than refcount header", h)
	}
	refcount := binary.BigEndian.Uint64(raw[:refcountWidth])
	if refcount == 0 {
		panic("valuestore: refcount underflow for " + h.String() + ": corrupt database")
	}
	payload := raw[refcountWidth:]
	refcount--

	if refcount > 0 {
		out := make([]byte, refcountWidth+len(payload))
		binary.BigEndian.PutUint64(out[:refcountWidth], refcount)
		copy(out[refcountWidth:], payload)
		return tx.Set(storage.ColValues, h[:], out)
	}

	if err := tx.Delete(storage.ColValues, h[:]); err != nil {
		return err
	}

	_, isLeaf, childHashes, decErr := value.DecodeShallow(payload)
	if decErr != nil {
		return coreerrors.WrapFatal(decErr, "valuestore: corrupt payload for "+h.String())
	}
	if isLeaf {
		return nil
	}
	for _, ch := range childHashes {
		if err := Delete(tx, ch); err != nil {
			return err
		}
	}
	return nil
}

// Incref bumps the refcount of an already-stored value without touching its
// payload. Used when a second structure (a log entry, a checkpoint field)
// takes ownership of a hash that something else already Put, per spec.md
// §3's "[log] value's refcount was incremented on insert".
func Incref(tx *storage.Transaction, h value.Hash) error {
	raw, err := tx.Get(storage.ColValues, h[:])
	if err != nil {
		return err
	}
	if len(raw) < refcountWidth {
		return coreerrors.Fatal("valuestore: payload for %s shorter than refcount header", h)
	}
	refcount := binary.BigEndian.Uint64(raw[:refcountWidth]) + 1
	out := make([]byte, len(raw))
	binary.BigEndian.PutUint64(out[:refcountWidth], refcount)
	copy(out[refcountWidth:], raw[refcountWidth:])
	return tx.Set(storage.ColValues, h[:], out)
}

// Refcount returns the current reference count of h, or 0 if absent.
func Refcount(tx *storage.Transaction, h value.Hash) (uint64, error) {
	raw, err := tx.Get(storage.ColValues, h[:])
	if err != nil {
		if coreerrors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	if len(raw) < refcountWidth {
		return 0, coreerrors.Fatal("valuestore: payload for %s shorter than refcount header", h)
	}
	return binary.BigEndian.Uint64(raw[:refcountWidth]), nil
}
