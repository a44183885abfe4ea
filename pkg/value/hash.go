package value

import (
	"errors"
	"math/big"

	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/corevm/pkg/serializer"
)

var (
	errShallowTooShort  = errors.New("value: shallow payload too short for its tag")
	errShallowUnknownTag = errors.New("value: unknown shallow payload tag")
)

// tag bytes for the shallow, content-addressed encoding. A Tuple's tag byte
// is followed by its children's *hashes*, never their full values, so two
// equal sub-tuples anywhere in the VM's value graph always collapse onto
// the same ValueStore entry.
const (
	tagInt       byte = 0x00
	tagCodePoint byte = 0x01
	tagTuple     byte = 0x02
)

// Hash computes v's content hash. For a Tuple this is blake2b over the tag
// and the hashes of its children (supplied by the caller, since computing
// them here would require full values rather than hashes for nested
// tuples already persisted elsewhere) — see ShallowEncode for the exact
// byte layout ValueStore persists and hashes.
func (v Value) Hash(childHashes []Hash) Hash {
	return hashBytes(ShallowEncode(v, childHashes))
}

func hashBytes(b []byte) Hash {
	sum := blake2b.Sum256(b)
	return Hash(sum)
}

// HashShallow hashes an already shallow-encoded payload directly. ValueStore
// uses this when it only has the stored bytes on hand (e.g. recomputing a
// hash to verify a key) rather than the reconstructed Value and its
// children's hashes.
func HashShallow(payload []byte) Hash {
	return hashBytes(payload)
}

// ShallowEncode renders v's persisted payload: `tag | children` for a
// tuple (each child rendered as its 32-byte hash, taken from childHashes in
// order), or `tag | raw bytes` for a leaf. This is exactly the "shallow
// serialized form" spec.md §4.1 describes ValueStore storing under each
// content hash.
func ShallowEncode(v Value, childHashes []Hash) []byte {
	switch v.kind {
	case kindInt:
		buf := make([]byte, 1+32)
		buf[0] = tagInt
		b := v.intVal.Bytes()
		copy(buf[1+32-len(b):], b)
		return buf
	case kindCodePoint:
		buf := make([]byte, 1+8+8+32)
		buf[0] = tagCodePoint
		copy(buf[1:9], serializer.EncodeLittleEndian(8, v.codePoint.SegmentID))
		copy(buf[9:17], serializer.EncodeLittleEndian(8, v.codePoint.Offset))
		copy(buf[17:49], v.codePoint.Next[:])
		return buf
	case kindTuple:
		if len(childHashes) != len(v.tuple) {
			panic("value: ShallowEncode given wrong number of child hashes")
		}
		buf := make([]byte, 1+1+32*len(childHashes))
		buf[0] = tagTuple
		buf[1] = byte(len(childHashes))
		for i, h := range childHashes {
			copy(buf[2+32*i:2+32*(i+1)], h[:])
		}
		return buf
	}
	panic("value: unknown kind")
}

// DecodeShallow parses the payload ShallowEncode produced, returning the
// leaf value directly (Int, CodePoint) or, for a tuple, its tag, size, and
// child hashes so the caller (ValueStore) can fetch and reconstruct each
// child before calling AssembleTuple.
func DecodeShallow(b []byte) (leaf Value, isLeaf bool, childHashes []Hash, err error) {
	if len(b) == 0 {
		return Value{}, false, nil, errShallowTooShort
	}
	switch b[0] {
	case tagInt:
		if len(b) != 1+32 {
			return Value{}, false, nil, errShallowTooShort
		}
		return NewInt(new(big.Int).SetBytes(b[1:])), true, nil, nil
	case tagCodePoint:
		if len(b) != 1+8+8+32 {
			return Value{}, false, nil, errShallowTooShort
		}
		cp := CodePoint{
			SegmentID: serializer.DecodeLittleEndian(b[1:9]),
			Offset:    serializer.DecodeLittleEndian(b[9:17]),
		}
		copy(cp.Next[:], b[17:49])
		return NewCodePoint(cp), true, nil, nil
	case tagTuple:
		if len(b) < 2 {
			return Value{}, false, nil, errShallowTooShort
		}
		n := int(b[1])
		if len(b) != 2+32*n {
			return Value{}, false, nil, errShallowTooShort
		}
		hashes := make([]Hash, n)
		for i := 0; i < n; i++ {
			copy(hashes[i][:], b[2+32*i:2+32*(i+1)])
		}
		return Value{}, false, hashes, nil
	}
	return Value{}, false, nil, errShallowUnknownTag
}

// AssembleTuple rebuilds a Tuple value from its already-reconstructed
// children, in the order DecodeShallow's childHashes were returned.
func AssembleTuple(children []Value) Value {
	return NewTuple(children)
}
