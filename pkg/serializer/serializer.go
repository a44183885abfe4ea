// Package serializer provides the small binary codec corevm uses for fixed
// scalar fields: little-endian octet encoding, a compact general-natural
// varint, and the signed/unsigned two's-complement conversions needed to
// pack gas deltas. Trimmed from the teacher's reflection-based struct
// serializer down to the primitives MachineStateKeys and checkpoint/message
// counters actually need, since their schemas are fixed size and don't
// benefit from a generic reflect.Value walk.
package serializer

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// EncodeLittleEndian encodes x into octets bytes, little-endian.
func EncodeLittleEndian(octets int, x uint64) []byte {
	switch octets {
	case 1:
		return []byte{byte(x)}
	case 2:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], uint16(x))
		return buf[:]
	case 4:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(x))
		return buf[:]
	case 8:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], x)
		return buf[:]
	default:
		result := make([]byte, octets)
		for i := 0; i < octets; i++ {
			result[i] = byte(x)
			x >>= 8
		}
		return result
	}
}

// DecodeLittleEndian decodes a little-endian byte slice into a uint64.
func DecodeLittleEndian(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	default:
		var x uint64
		for i, v := range b {
			x |= uint64(v) << (8 * i)
		}
		return x
	}
}

// EncodeGeneralNatural encodes a uint64 using the teacher's compact varint:
// a single 0x00 for zero, a header-plus-remainder form for values that fit
// in up to 8 octets, and a 0xFF marker followed by 8 little-endian octets
// otherwise. No package in this module calls it at present.
func EncodeGeneralNatural(x uint64) []byte {
	if x == 0 {
		return []byte{0x00}
	}

	l := uint((bits.Len64(x) - 1) / 7)

	if l < 8 {
		header := (1 << 8) - (1 << (8 - l)) + (x >> (8 * l))
		result := []byte{byte(header)}
		if l > 0 {
			remainder := x & ((uint64(1) << (8 * l)) - 1)
			result = append(result, EncodeLittleEndian(int(l), remainder)...)
		}
		return result
	}

	result := []byte{0xFF}
	return append(result, EncodeLittleEndian(8, x)...)
}

func countLeadingOnes(b byte) int {
	count := 0
	for i := 7; i >= 0; i-- {
		if (b & (1 << i)) != 0 {
			count++
		} else {
			break
		}
	}
	return count
}

// DecodeGeneralNatural decodes the inverse of EncodeGeneralNatural, returning
// the value, the number of bytes consumed, and whether p held enough bytes.
func DecodeGeneralNatural(p []byte) (x uint64, n int, ok bool) {
	if len(p) == 0 {
		return 0, 0, false
	}

	header := p[0]
	if header == 0x00 {
		return 0, 1, true
	}
	if header == 0xFF {
		if len(p) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(p[1:9]), 9, true
	}

	l := countLeadingOnes(header)
	base := byte(int(1<<8) - (1 << (8 - l)))
	high := uint64(header - base)
	if len(p) < 1+l {
		return 0, 0, false
	}
	remainder := DecodeLittleEndian(p[1 : 1+l])
	return (high << (8 * l)) | remainder, 1 + l, true
}

// UnsignedToSigned reinterprets the low 8*octets bits of x as two's
// complement.
func UnsignedToSigned(octets int, x uint64) int64 {
	totalBits := 8 * octets
	if totalBits > 64 {
		panic(fmt.Sprintf("unsupported octet width: %d (max 8 allowed)", octets))
	}
	if octets == 8 {
		return int64(x)
	}
	signBit := uint64(1) << uint(totalBits-1)
	modVal := uint64(1) << uint(totalBits)
	if x < signBit {
		return int64(x)
	}
	return int64(x) - int64(modVal)
}

// SignedToUnsigned is the inverse of UnsignedToSigned.
func SignedToUnsigned(octets int, a int64) uint64 {
	if octets == 8 {
		return uint64(a)
	}
	totalBits := 8 * octets
	modVal := uint64(1) << uint(totalBits)
	return (modVal + uint64(a)) % modVal
}
