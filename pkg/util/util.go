// Package util holds small standalone helpers shared across corevm's
// storage and value packages. Trimmed from the teacher's util package down
// to the byte/array conversions still used once the JAM-specific state-key
// helpers are gone.
package util

import "math/big"

// SliceToArray32 copies (at most) the first 32 bytes of b into a [32]byte.
func SliceToArray32(b []byte) [32]byte {
	var arr [32]byte
	copy(arr[:], b)
	return arr
}

// GasKey renders a cumulative gas value as a 32-byte big-endian key, the
// form CheckpointIndex and ExecutionCursor use so that byte-lexicographic
// ordering of keys matches numeric ordering of gas.
func GasKey(gas *big.Int) [32]byte {
	var key [32]byte
	if gas == nil {
		return key
	}
	b := gas.Bytes()
	copy(key[32-len(b):], b)
	return key
}

// GasFromKey is the inverse of GasKey.
func GasFromKey(key [32]byte) *big.Int {
	return new(big.Int).SetBytes(key[:])
}
