// Package checkpoint implements the CheckpointIndex of spec.md §4.2: a
// dedicated column of the KV store, ordered by the 256-bit big-endian
// cumulative-gas key, mapping gas -> MachineStateKeys. Deleting a checkpoint
// also recursively deletes its ValueStore hash fields so a checkpoint index
// entry never references a dangling ValueStore hash.
package checkpoint

import (
	"math/big"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/util"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

// Put persists keys under its output's cumulative gas used. Invariant:
// checkpoint keys strictly increase in gas (spec.md §3); callers are
// responsible for never calling Put twice with the same gas value.
func Put(tx *storage.Transaction, keys value.MachineStateKeys) error {
	if keys.Output.ArbGasUsed == nil {
		return coreerrors.Fatal("checkpoint: Output.ArbGasUsed is nil")
	}
	key := util.GasKey(keys.Output.ArbGasUsed)
	return tx.Set(storage.ColCheckpoints, key[:], value.EncodeMachineStateKeys(keys))
}

// GetAt returns the checkpoint stored at exactly gas.
func GetAt(tx *storage.Transaction, gas *big.Int) (value.MachineStateKeys, error) {
	key := util.GasKey(gas)
	raw, err := tx.Get(storage.ColCheckpoints, key[:])
	if err != nil {
		return value.MachineStateKeys{}, err
	}
	return value.DecodeMachineStateKeys(raw)
}

// SeekLE returns the checkpoint with the greatest gas <= gas, used by
// ExecutionCursor to find the closest usable checkpoint below a target.
func SeekLE(tx *storage.Transaction, gas *big.Int) (value.MachineStateKeys, error) {
	it, err := tx.NewIterator(storage.ColCheckpoints)
	if err != nil {
		return value.MachineStateKeys{}, err
	}
	defer it.Close()

	key := util.GasKey(gas)
	if !it.SeekLE(key[:]) {
		return value.MachineStateKeys{}, coreerrors.NotFound("checkpoint: no checkpoint at or below gas %s", gas)
	}
	return value.DecodeMachineStateKeys(it.Value())
}

// SeekGE returns the checkpoint with the smallest gas >= gas.
func SeekGE(tx *storage.Transaction, gas *big.Int) (value.MachineStateKeys, error) {
	it, err := tx.NewIterator(storage.ColCheckpoints)
	if err != nil {
		return value.MachineStateKeys{}, err
	}
	defer it.Close()

	key := util.GasKey(gas)
	if !it.SeekGE(key[:]) {
		return value.MachineStateKeys{}, coreerrors.NotFound("checkpoint: no checkpoint at or above gas %s", gas)
	}
	return value.DecodeMachineStateKeys(it.Value())
}

// Delete removes the checkpoint at gas, first recursively deleting each of
// its ValueStore hash fields (static, register, stack, aux, staged message)
// within the same transaction, per spec.md §4.2's atomicity requirement.
func Delete(tx *storage.Transaction, gas *big.Int) error {
	keys, err := GetAt(tx, gas)
	if err != nil {
		return err
	}
	for _, h := range []value.Hash{keys.Register, keys.Static, keys.DataStack, keys.AuxStack, keys.StagedMessage} {
		if h.IsZero() {
			continue
		}
		if err := valuestore.Delete(tx, h); err != nil {
			return err
		}
	}
	key := util.GasKey(gas)
	return tx.Delete(storage.ColCheckpoints, key[:])
}

// Empty reports whether the checkpoint index holds no entries
// (isCheckpointsEmpty, arbcore.hpp line 162).
func Empty(tx *storage.Transaction) (bool, error) {
	it, err := tx.NewIterator(storage.ColCheckpoints)
	if err != nil {
		return false, err
	}
	defer it.Close()
	return !it.First(), nil
}

// MaxGas returns the gas of the highest checkpoint, or NotFound if the
// index is empty (maxCheckpointGas, arbcore.hpp line 163).
func MaxGas(tx *storage.Transaction) (*big.Int, error) {
	it, err := tx.NewIterator(storage.ColCheckpoints)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, coreerrors.NotFound("checkpoint: index is empty")
	}
	return util.GasFromKey(util.SliceToArray32(it.Key())), nil
}

// Descend iterates every checkpoint from highest gas downward, calling fn
// for each one in turn. Iteration stops, returning fn's error, the moment fn
// returns a non-nil error; fn returning stop=true with a nil error is the
// normal way to end iteration early, and Descend then returns nil
// (ReorgController.reorg_to does this once it finds its target).
func Descend(tx *storage.Transaction, fn func(gas *big.Int, keys value.MachineStateKeys) (stop bool, err error)) error {
	it, err := tx.NewIterator(storage.ColCheckpoints)
	if err != nil {
		return err
	}
	defer it.Close()

	for ok := it.Last(); ok; ok = it.Prev() {
		gas := util.GasFromKey(util.SliceToArray32(it.Key()))
		keys, err := value.DecodeMachineStateKeys(it.Value())
		if err != nil {
			return err
		}
		stop, err := fn(gas, keys)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}
