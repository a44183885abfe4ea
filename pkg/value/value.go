// Package value implements the VM's tagged-union value: a 256-bit integer,
// a code point (segment id + offset + next-hash), or a tuple of up to eight
// values. It follows the teacher's own tagged-union idiom — seen in
// pkg/types.AccumulationInput and ExecutionExitReason, which carry one
// populated optional field per variant plus Is*/Get* accessors — rather
// than a Go interface, so every operation over a Value (hash, encode,
// equality) stays an exhaustive switch instead of dynamic dispatch, per
// spec.md §9's design note on "dynamic dispatch on VM values".
package value

import (
	"fmt"
	"math/big"
)

// Hash is the 256-bit content hash of a Value.
type Hash [32]byte

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// MaxTupleSize is the largest tuple the VM can construct.
const MaxTupleSize = 8

// CodePoint names a position within a loaded code segment plus the hash of
// the next code point in its chain (the empty Hash marks the chain's end).
type CodePoint struct {
	SegmentID uint64
	Offset    uint64
	Next      Hash
}

// Value is the VM's tagged union. Exactly one of the variant fields below
// is meaningful, selected by kind.
type Value struct {
	kind      kind
	intVal    *big.Int
	codePoint CodePoint
	tuple     []Value
}

type kind uint8

const (
	kindInt kind = iota
	kindCodePoint
	kindTuple
)

// NewInt wraps x as an Int value. x is copied so later mutation of the
// caller's big.Int cannot alter the Value.
func NewInt(x *big.Int) Value {
	return Value{kind: kindInt, intVal: new(big.Int).Set(x)}
}

// NewCodePoint wraps cp as a CodePoint value.
func NewCodePoint(cp CodePoint) Value {
	return Value{kind: kindCodePoint, codePoint: cp}
}

// NewTuple wraps up to MaxTupleSize values as a Tuple value. It panics if
// given more: the VM never constructs a larger tuple, and a caller that
// tries has a bug worth surfacing immediately rather than laundering into a
// truncated tuple.
func NewTuple(items []Value) Value {
	if len(items) > MaxTupleSize {
		panic(fmt.Sprintf("value: tuple of %d exceeds max size %d", len(items), MaxTupleSize))
	}
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: kindTuple, tuple: cp}
}

func (v Value) IsInt() bool       { return v.kind == kindInt }
func (v Value) IsCodePoint() bool { return v.kind == kindCodePoint }
func (v Value) IsTuple() bool     { return v.kind == kindTuple }

// Int returns the wrapped integer. Panics if v is not an Int.
func (v Value) Int() *big.Int {
	if !v.IsInt() {
		panic("value: Int() called on non-Int value")
	}
	return new(big.Int).Set(v.intVal)
}

// CodePoint returns the wrapped code point. Panics if v is not a CodePoint.
func (v Value) CodePoint() CodePoint {
	if !v.IsCodePoint() {
		panic("value: CodePoint() called on non-CodePoint value")
	}
	return v.codePoint
}

// Tuple returns the wrapped slice of child values. Panics if v is not a
// Tuple.
func (v Value) Tuple() []Value {
	if !v.IsTuple() {
		panic("value: Tuple() called on non-Tuple value")
	}
	out := make([]Value, len(v.tuple))
	copy(out, v.tuple)
	return out
}

// Equal reports deep structural equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case kindInt:
		return v.intVal.Cmp(other.intVal) == 0
	case kindCodePoint:
		return v.codePoint == other.codePoint
	case kindTuple:
		if len(v.tuple) != len(other.tuple) {
			return false
		}
		for i := range v.tuple {
			if !v.tuple[i].Equal(other.tuple[i]) {
				return false
			}
		}
		return true
	}
	return false
}
