package value

import (
	"math/big"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/serializer"
)

// EncodeMachineStateKeys renders keys as the fixed-width byte vector
// CheckpointIndex stores under its gas key. The schema is fixed size, so
// this is a flat field-by-field encode using pkg/serializer's primitives
// rather than the teacher's reflection-based generic serializer — the
// schema never varies across versions within one running binary.
func EncodeMachineStateKeys(keys MachineStateKeys) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, keys.Register[:]...)
	buf = append(buf, keys.Static[:]...)
	buf = append(buf, keys.DataStack[:]...)
	buf = append(buf, keys.AuxStack[:]...)
	buf = append(buf, bigIntTo32(keys.ArbGasRemaining)...)
	buf = append(buf, byte(keys.Status))
	buf = append(buf, encodeCodePoint(keys.PC)...)
	buf = append(buf, encodeCodePoint(keys.ErrPC)...)
	buf = append(buf, keys.StagedMessage[:]...)
	buf = append(buf, encodeOutput(keys.Output)...)
	return buf
}

// DecodeMachineStateKeys is the inverse of EncodeMachineStateKeys.
func DecodeMachineStateKeys(b []byte) (MachineStateKeys, error) {
	const fixedLen = 32 + 32 + 32 + 32 + 32 + 1 + 48 + 48 + 32 + outputLen
	if len(b) != fixedLen {
		return MachineStateKeys{}, coreerrors.Fatal("value: machine state keys have wrong length %d, want %d", len(b), fixedLen)
	}

	var keys MachineStateKeys
	off := 0
	copy(keys.Register[:], b[off:off+32])
	off += 32
	copy(keys.Static[:], b[off:off+32])
	off += 32
	copy(keys.DataStack[:], b[off:off+32])
	off += 32
	copy(keys.AuxStack[:], b[off:off+32])
	off += 32
	keys.ArbGasRemaining = new(big.Int).SetBytes(b[off : off+32])
	off += 32
	keys.Status = MachineStatus(b[off])
	off++
	keys.PC = decodeCodePoint(b[off : off+48])
	off += 48
	keys.ErrPC = decodeCodePoint(b[off : off+48])
	off += 48
	copy(keys.StagedMessage[:], b[off:off+32])
	off += 32
	out, err := decodeOutput(b[off : off+outputLen])
	if err != nil {
		return MachineStateKeys{}, err
	}
	keys.Output = out
	return keys, nil
}

func bigIntTo32(x *big.Int) []byte {
	buf := make([]byte, 32)
	if x == nil {
		return buf
	}
	b := x.Bytes()
	copy(buf[32-len(b):], b)
	return buf
}

func encodeCodePoint(cp CodePoint) []byte {
	buf := make([]byte, 48)
	copy(buf[0:8], serializer.EncodeLittleEndian(8, cp.SegmentID))
	copy(buf[8:16], serializer.EncodeLittleEndian(8, cp.Offset))
	copy(buf[16:48], cp.Next[:])
	return buf
}

func decodeCodePoint(b []byte) CodePoint {
	var cp CodePoint
	cp.SegmentID = serializer.DecodeLittleEndian(b[0:8])
	cp.Offset = serializer.DecodeLittleEndian(b[8:16])
	copy(cp.Next[:], b[16:48])
	return cp
}

// outputLen is the fixed encoded size of an Output: 32 (gas used) + 8 (log
// count) + 8 (send count) + 8 (inbox count) + 32 (inbox accumulator) + 1
// (has-last-sideload) + 8 (last sideload).
const outputLen = 32 + 8 + 8 + 8 + 32 + 1 + 8

func encodeOutput(o Output) []byte {
	buf := make([]byte, 0, outputLen)
	buf = append(buf, bigIntTo32(o.ArbGasUsed)...)
	buf = append(buf, serializer.EncodeLittleEndian(8, o.LogCount)...)
	buf = append(buf, serializer.EncodeLittleEndian(8, o.SendCount)...)
	buf = append(buf, serializer.EncodeLittleEndian(8, o.FullyProcessedInbox.Count)...)
	buf = append(buf, o.FullyProcessedInbox.Accumulator[:]...)
	if o.HasLastSideload {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, serializer.EncodeLittleEndian(8, o.LastSideload)...)
	return buf
}

func decodeOutput(b []byte) (Output, error) {
	if len(b) != outputLen {
		return Output{}, coreerrors.Fatal("value: output has wrong length %d, want %d", len(b), outputLen)
	}
	var o Output
	off := 0
	o.ArbGasUsed = new(big.Int).SetBytes(b[off : off+32])
	off += 32
	o.LogCount = serializer.DecodeLittleEndian(b[off : off+8])
	off += 8
	o.SendCount = serializer.DecodeLittleEndian(b[off : off+8])
	off += 8
	o.FullyProcessedInbox.Count = serializer.DecodeLittleEndian(b[off : off+8])
	off += 8
	copy(o.FullyProcessedInbox.Accumulator[:], b[off:off+32])
	off += 32
	o.HasLastSideload = b[off] != 0
	off++
	o.LastSideload = serializer.DecodeLittleEndian(b[off : off+8])
	return o, nil
}
