// Package execcursor implements ExecutionCursors (spec.md §4.7): ephemeral,
// read-only VM views that can be advanced to an arbitrary gas target to
// serve historical queries and sideloads without ever blocking the
// Executor. A cursor never holds a transaction across VM execution: every
// iteration of advance opens a fresh snapshot, reads the next batch of
// messages, and runs the machine against them.
package execcursor

import (
	"math/big"
	"time"

	"github.com/ascrivener/corevm/pkg/checkpoint"
	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/machine"
	"github.com/ascrivener/corevm/pkg/messagelog"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

// CheckpointLoadGasCost is the gas distance below which advance() prefers to
// keep running an already-materialized machine forward rather than pay for
// reloading from a fresh checkpoint (spec.md §4.7).
var CheckpointLoadGasCost = big.NewInt(100_000_000)

// MaxReorgRetries is how many times advance() rebuilds from a fresh
// checkpoint after a message read comes back NotFound (a reorg in
// progress) before giving up with Busy (spec.md §4.7, §8).
const MaxReorgRetries = 16

const retryBackoff = time.Millisecond

const messagesPerStep = 10

// Factory constructs a MachineThread from a rematerialized snapshot, so
// execcursor stays independent of any one concrete machine implementation.
type Factory func(machine.Snapshot) machine.MachineThread

// Cursor is a lazily-materialized, read-only VM view: "keys only" until an
// Advance has gas left to run or TakeMachine is called, then backed by a
// live machine.MachineThread.
type Cursor struct {
	store   *storage.Store
	factory Factory
	cache   *valuestore.Cache

	keys    value.MachineStateKeys
	machine machine.MachineThread
}

// GetExecutionCursor implements get_execution_cursor (spec.md §4.7): locate
// the newest checkpoint at or below gasTarget and advance a cursor from it
// to gasTarget (or just past, if goOverGas).
func GetExecutionCursor(store *storage.Store, factory Factory, gasTarget *big.Int, goOverGas bool) (*Cursor, error) {
	tx := store.Snapshot()
	keys, err := checkpoint.SeekLE(tx, gasTarget)
	tx.Discard()
	if err != nil {
		return nil, err
	}

	cur := &Cursor{
		store:   store,
		factory: factory,
		cache:   valuestore.NewCache(),
		keys:    keys,
	}
	maxGas := new(big.Int).Sub(gasTarget, keys.Output.ArbGasUsed)
	if maxGas.Sign() < 0 {
		maxGas = big.NewInt(0)
	}
	if err := cur.Advance(maxGas, goOverGas); err != nil {
		return nil, err
	}
	return cur, nil
}

// GasUsed reports the cursor's current position.
func (c *Cursor) GasUsed() *big.Int {
	if c.machine != nil {
		return c.machine.Snapshot().Output.ArbGasUsed
	}
	return c.keys.Output.ArbGasUsed
}

// ensureMaterialized rematerializes a keys-only cursor into a live machine.
func (c *Cursor) ensureMaterialized(tx *storage.Transaction) error {
	if c.machine != nil {
		return nil
	}
	snap, err := checkpoint.ToSnapshot(tx, c.keys, c.cache)
	if err != nil {
		return err
	}
	c.machine = c.factory(snap)
	return nil
}

// rebuildFrom drops any live machine and reseats the cursor on the newest
// checkpoint at or below gas, for recovery after a reorg invalidates the
// message range the cursor was about to read.
func (c *Cursor) rebuildFrom(gas *big.Int) error {
	tx := c.store.Snapshot()
	keys, err := checkpoint.SeekLE(tx, gas)
	tx.Discard()
	if err != nil {
		return err
	}
	c.keys = keys
	c.machine = nil
	return nil
}

// Advance implements advance_execution_cursor (spec.md §4.7): run the
// cursor's machine forward by up to maxGas, stopping early unless
// goOverGas lets the last message's execution cross the target.
func (c *Cursor) Advance(maxGas *big.Int, goOverGas bool) error {
	target := new(big.Int).Add(c.GasUsed(), maxGas)

	if c.machine != nil {
		behind := new(big.Int).Sub(target, c.GasUsed())
		if behind.Cmp(CheckpointLoadGasCost) >= 0 {
			if err := c.rebuildFrom(target); err != nil {
				return err
			}
		}
	}

	attempts := 0
	for {
		if c.GasUsed().Cmp(target) >= 0 {
			return nil
		}

		tx := c.store.Snapshot()
		if err := c.ensureMaterialized(tx); err != nil {
			tx.Discard()
			return err
		}
		snap := c.machine.Snapshot()
		startAcc := snap.Output.FullyProcessedInbox.Accumulator
		startIdx := snap.Output.FullyProcessedInbox.Count

		msgs, err := messagelog.GetMessages(tx, startAcc, startIdx, messagesPerStep)
		tx.Discard()
		if err != nil {
			if coreerrors.IsNotFound(err) {
				attempts++
				if attempts > MaxReorgRetries {
					return coreerrors.Busy("execcursor: advance gave up after %d retries racing a reorg", MaxReorgRetries)
				}
				time.Sleep(retryBackoff)
				if err := c.rebuildFrom(target); err != nil {
					return err
				}
				continue
			}
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		runMax := target
		if goOverGas {
			runMax = nil
		}
		if _, err := c.machine.Run(machine.ExecConfig{Messages: toInboxMessages(msgs), MaxGas: runMax}); err != nil {
			return err
		}
		if _, err := c.machine.NextAssertion(); err != nil {
			// No progress this round (e.g. insufficient gas for even one
			// message): nothing more to do until the caller raises maxGas.
			return nil
		}
	}
}

// TakeMachine implements take_execution_cursor_machine (spec.md §4.7):
// materialize if necessary and hand ownership of the live machine to the
// caller, leaving the cursor unusable afterward.
func (c *Cursor) TakeMachine() (machine.MachineThread, error) {
	if c.machine == nil {
		tx := c.store.Snapshot()
		err := c.ensureMaterialized(tx)
		tx.Discard()
		if err != nil {
			return nil, err
		}
	}
	m := c.machine
	c.machine = nil
	return m, nil
}

func toInboxMessages(msgs []messagelog.Message) []machine.InboxMessage {
	out := make([]machine.InboxMessage, len(msgs))
	for i, m := range msgs {
		out[i] = machine.InboxMessage{Index: m.Index, Accumulator: m.Accumulator, Payload: m.Payload}
	}
	return out
}
