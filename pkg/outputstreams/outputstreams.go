// Package outputstreams implements the two append-only output sequences of
// spec.md §2 component 5: logs (dense index -> ValueStore hash) and sends
// (dense index -> raw byte string). It also exposes the supplemented
// GetSendAcc/GetLogAcc running-accumulator queries from arbcore.hpp lines
// 245-251 (see SPEC_FULL.md §9).
package outputstreams

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

func indexKey(i uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, i)
	return k
}

// AppendLog records that log entry index refers to h, taking a ValueStore
// reference on h (spec.md §3: "refcount was incremented on insert").
func AppendLog(tx *storage.Transaction, index uint64, h value.Hash) error {
	if err := valuestore.Incref(tx, h); err != nil {
		return err
	}
	return tx.Set(storage.ColLogs, indexKey(index), h[:])
}

// GetLog returns the ValueStore hash recorded at log index.
func GetLog(tx *storage.Transaction, index uint64) (value.Hash, error) {
	raw, err := tx.Get(storage.ColLogs, indexKey(index))
	if err != nil {
		return value.Hash{}, err
	}
	var h value.Hash
	copy(h[:], raw)
	return h, nil
}

// DeleteLog removes log entry index, decrementing h's ValueStore refcount
// (spec.md §3: "decremented on delete"), for use by ReorgController when
// truncating logs above a reorg target.
func DeleteLog(tx *storage.Transaction, index uint64) error {
	h, err := GetLog(tx, index)
	if err != nil {
		return err
	}
	if err := valuestore.Delete(tx, h); err != nil {
		return err
	}
	return tx.Delete(storage.ColLogs, indexKey(index))
}

// AppendSend records the raw bytes of send entry index. Sends are never
// deleted on reorg, only truncated by counter (spec.md §4.5 step 5).
func AppendSend(tx *storage.Transaction, index uint64, payload []byte) error {
	return tx.Set(storage.ColSends, indexKey(index), payload)
}

// GetSend returns the raw bytes recorded at send index.
func GetSend(tx *storage.Transaction, index uint64) ([]byte, error) {
	return tx.Get(storage.ColSends, indexKey(index))
}

// GetLogs returns up to count consecutive log hashes starting at index.
// Reading past log_inserted_count is not an error: spec.md §8 requires
// get_logs(index >= inserted) to return an empty result, OK.
func GetLogs(tx *storage.Transaction, index uint64, count uint64) ([]value.Hash, error) {
	out := make([]value.Hash, 0, count)
	for i := uint64(0); i < count; i++ {
		h, err := GetLog(tx, index+i)
		if err != nil {
			if coreerrors.IsNotFound(err) {
				break
			}
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// GetSends returns up to count consecutive send payloads starting at index.
func GetSends(tx *storage.Transaction, index uint64, count uint64) ([][]byte, error) {
	out := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		p, err := GetSend(tx, index+i)
		if err != nil {
			if coreerrors.IsNotFound(err) {
				break
			}
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// chainAcc folds entry into the running accumulator:
// acc' = blake2b(acc || entry).
func chainAcc(acc value.Hash, entry []byte) value.Hash {
	h, _ := blake2b.New256(nil)
	h.Write(acc[:])
	h.Write(entry)
	var out value.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// GetLogAcc folds start forward over the log hashes in [index, index+count)
// and returns the resulting accumulator, letting a validator confirm a
// range of logs without re-reading every entry elsewhere (arbcore.hpp lines
// 245-251).
func GetLogAcc(tx *storage.Transaction, start value.Hash, index uint64, count uint64) (value.Hash, error) {
	hashes, err := GetLogs(tx, index, count)
	if err != nil {
		return value.Hash{}, err
	}
	acc := start
	for _, h := range hashes {
		acc = chainAcc(acc, h[:])
	}
	return acc, nil
}

// GetSendAcc folds start forward over the send payloads in
// [index, index+count) and returns the resulting accumulator.
func GetSendAcc(tx *storage.Transaction, start value.Hash, index uint64, count uint64) (value.Hash, error) {
	payloads, err := GetSends(tx, index, count)
	if err != nil {
		return value.Hash{}, err
	}
	acc := start
	for _, p := range payloads {
		acc = chainAcc(acc, p)
	}
	return acc, nil
}
