package checkpoint

import (
	"github.com/ascrivener/corevm/pkg/machine"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

// FromSnapshot Puts snap's Value fields into ValueStore within tx and
// returns the resulting MachineStateKeys, ready for checkpoint.Put. This is
// the one place a machine.Snapshot crosses from in-memory values into the
// persisted, hash-referencing form CheckpointIndex stores.
func FromSnapshot(tx *storage.Transaction, snap machine.Snapshot) (value.MachineStateKeys, error) {
	registerHash, err := valuestore.Put(tx, snap.Register)
	if err != nil {
		return value.MachineStateKeys{}, err
	}
	staticHash, err := valuestore.Put(tx, snap.Static)
	if err != nil {
		return value.MachineStateKeys{}, err
	}
	dataStackHash, err := valuestore.Put(tx, snap.DataStack)
	if err != nil {
		return value.MachineStateKeys{}, err
	}
	auxStackHash, err := valuestore.Put(tx, snap.AuxStack)
	if err != nil {
		return value.MachineStateKeys{}, err
	}

	stagedHash, err := valuestore.Put(tx, snap.StagedMessage)
	if err != nil {
		return value.MachineStateKeys{}, err
	}

	return value.MachineStateKeys{
		Register:        registerHash,
		Static:          staticHash,
		DataStack:       dataStackHash,
		AuxStack:        auxStackHash,
		ArbGasRemaining: snap.ArbGasRemaining,
		Status:          snap.Status,
		PC:              snap.PC,
		ErrPC:           snap.ErrPC,
		StagedMessage:   stagedHash,
		Output:          snap.Output,
	}, nil
}

// ToSnapshot reverses FromSnapshot, fetching every referenced hash's value
// out of ValueStore, for re-materializing a machine.MachineThread from a
// persisted checkpoint.
func ToSnapshot(tx *storage.Transaction, keys value.MachineStateKeys, cache *valuestore.Cache) (machine.Snapshot, error) {
	register, err := valuestore.Get(tx, keys.Register, cache)
	if err != nil {
		return machine.Snapshot{}, err
	}
	static, err := valuestore.Get(tx, keys.Static, cache)
	if err != nil {
		return machine.Snapshot{}, err
	}
	dataStack, err := valuestore.Get(tx, keys.DataStack, cache)
	if err != nil {
		return machine.Snapshot{}, err
	}
	auxStack, err := valuestore.Get(tx, keys.AuxStack, cache)
	if err != nil {
		return machine.Snapshot{}, err
	}

	staged, err := valuestore.Get(tx, keys.StagedMessage, cache)
	if err != nil {
		return machine.Snapshot{}, err
	}

	return machine.Snapshot{
		Register:        register,
		Static:          static,
		DataStack:        dataStack,
		AuxStack:        auxStack,
		ArbGasRemaining: keys.ArbGasRemaining,
		Status:          keys.Status,
		PC:              keys.PC,
		ErrPC:           keys.ErrPC,
		StagedMessage:   staged,
		Output:          keys.Output,
	}, nil
}
