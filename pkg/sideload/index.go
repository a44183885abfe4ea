// Package sideload implements SideloadIndex and SideloadCache (spec.md §2
// components 6 and 11, detailed in §4.8): a persisted block-number -> gas
// map, and a bounded in-memory cache of recently cloned VM snapshots keyed
// by block number, so repeated view-calls against recent blocks skip a full
// checkpoint-plus-advance.
package sideload

import (
	"encoding/binary"
	"math/big"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/util"
)

func blockKey(block uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, block)
	return k
}

// Put records that block ended with cumulative gas gas.
func Put(tx *storage.Transaction, block uint64, gas *big.Int) error {
	key := util.GasKey(gas)
	return tx.Set(storage.ColSideload, blockKey(block), key[:])
}

// SeekLE returns the gas recorded for the highest block <= block.
func SeekLE(tx *storage.Transaction, block uint64) (uint64, *big.Int, error) {
	it, err := tx.NewIterator(storage.ColSideload)
	if err != nil {
		return 0, nil, err
	}
	defer it.Close()

	if !it.SeekLE(blockKey(block)) {
		return 0, nil, coreerrors.NotFound("sideload: no entry at or below block %d", block)
	}
	foundBlock := binary.BigEndian.Uint64(it.Key())
	gas := util.GasFromKey(util.SliceToArray32(it.Value()))
	return foundBlock, gas, nil
}

// TruncateFrom deletes every sideload entry with block number >= from, per
// spec.md §4.5 step 3's reorg truncation of SideloadIndex.
func TruncateFrom(tx *storage.Transaction, from uint64) error {
	it, err := tx.NewIterator(storage.ColSideload)
	if err != nil {
		return err
	}
	defer it.Close()

	var toDelete [][]byte
	for ok := it.SeekGE(blockKey(from)); ok; ok = it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		toDelete = append(toDelete, key)
	}
	for _, key := range toDelete {
		if err := tx.Delete(storage.ColSideload, key); err != nil {
			return err
		}
	}
	return nil
}
