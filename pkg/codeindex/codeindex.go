// Package codeindex implements the append-only table of code segments VM
// states reference by CodePoint.SegmentID (spec.md §2 component 2: "segments
// are loaded on demand when materializing a VM state"). Unlike ValueStore
// payloads — a handful of 32-byte hashes at most — a code segment is an
// arbitrarily large blob, so segments of shardThreshold bytes or more are erasure-coded
// with github.com/klauspost/reedsolomon before being written, the same way
// the teacher's retrieval pack uses reedsolomon for large work-package
// payloads: a single corrupted shard can then be reconstructed rather than
// losing the whole segment.
package codeindex

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
)

// shardThreshold is the segment size at or above which a segment is erasure-coded
// instead of stored as one contiguous blob.
const shardThreshold = 64 * 1024

const (
	dataShards   = 4
	parityShards = 2
)

const (
	formatPlain byte = 0x00
	formatShard byte = 0x01
)

func segmentKey(segmentID uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, segmentID)
	return key
}

// Put appends (or overwrites, for re-derivation after a crash) the code
// segment identified by segmentID. Segments are never deleted: CodeIndex is
// append-only, matching spec.md §2's "append-only table of code segments" —
// nothing in the reorg protocol ever removes a segment, since a segment is
// addressed by CodePoint.SegmentID, not by gas or message number.
func Put(tx *storage.Transaction, segmentID uint64, data []byte) error {
	if len(data) < shardThreshold {
		payload := make([]byte, 1+len(data))
		payload[0] = formatPlain
		copy(payload[1:], data)
		return tx.Set(storage.ColCode, segmentKey(segmentID), payload)
	}
	return putSharded(tx, segmentID, data)
}

func putSharded(tx *storage.Transaction, segmentID uint64, data []byte) error {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return coreerrors.Fatal("codeindex: construct encoder: %v", err)
	}

	shards, err := enc.Split(data)
	if err != nil {
		return coreerrors.Fatal("codeindex: split segment %d: %v", segmentID, err)
	}
	if err := enc.Encode(shards); err != nil {
		return coreerrors.Fatal("codeindex: encode segment %d: %v", segmentID, err)
	}

	// header: format | 8-byte original length | 2-byte shard length
	shardLen := len(shards[0])
	header := make([]byte, 1+8+2)
	header[0] = formatShard
	binary.BigEndian.PutUint64(header[1:9], uint64(len(data)))
	binary.BigEndian.PutUint16(header[9:11], uint16(shardLen))

	payload := make([]byte, 0, len(header)+shardLen*len(shards))
	payload = append(payload, header...)
	for _, s := range shards {
		payload = append(payload, s...)
	}
	return tx.Set(storage.ColCode, segmentKey(segmentID), payload)
}

// Get returns the code segment identified by segmentID, reconstructing it
// from its shards if it was stored sharded.
func Get(tx *storage.Transaction, segmentID uint64) ([]byte, error) {
	raw, err := tx.Get(storage.ColCode, segmentKey(segmentID))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, coreerrors.Fatal("codeindex: empty payload for segment %d", segmentID)
	}
	switch raw[0] {
	case formatPlain:
		return raw[1:], nil
	case formatShard:
		return getSharded(segmentID, raw)
	default:
		return nil, coreerrors.Fatal("codeindex: unknown format byte %#x for segment %d", raw[0], segmentID)
	}
}

func getSharded(segmentID uint64, raw []byte) ([]byte, error) {
	if len(raw) < 1+8+2 {
		return nil, coreerrors.Fatal("codeindex: sharded header truncated for segment %d", segmentID)
	}
	origLen := binary.BigEndian.Uint64(raw[1:9])
	shardLen := int(binary.BigEndian.Uint16(raw[9:11]))

	body := raw[11:]
	total := dataShards + parityShards
	if len(body) != shardLen*total {
		return nil, coreerrors.Fatal("codeindex: sharded body size mismatch for segment %d", segmentID)
	}

	shards := make([][]byte, total)
	for i := 0; i < total; i++ {
		shards[i] = body[i*shardLen : (i+1)*shardLen]
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, coreerrors.Fatal("codeindex: construct decoder: %v", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return nil, coreerrors.Fatal("codeindex: verify segment %d: %v", segmentID, err)
	}
	if !ok {
		// Verify cannot tell which shard is bad: treat each in turn as erased,
		// rebuild it from the rest, and keep the first set that verifies.
		repaired := false
		for bad := 0; bad < total && !repaired; bad++ {
			trial := append([][]byte(nil), shards...)
			trial[bad] = nil
			if enc.Reconstruct(trial) == nil {
				if ok, _ := enc.Verify(trial); ok {
					shards, repaired = trial, true
				}
			}
		}
		if !repaired {
			return nil, coreerrors.Fatal("codeindex: reconstruct segment %d: no single-shard repair verifies", segmentID)
		}
	}

	joined := make([]byte, 0, shardLen*dataShards)
	for i := 0; i < dataShards; i++ {
		joined = append(joined, shards[i]...)
	}
	if uint64(len(joined)) < origLen {
		return nil, coreerrors.Fatal("codeindex: reconstructed segment %d shorter than recorded length", segmentID)
	}
	return joined[:origLen], nil
}

// Has reports whether segmentID has been stored.
func Has(tx *storage.Transaction, segmentID uint64) (bool, error) {
	return tx.Has(storage.ColCode, segmentKey(segmentID))
}
