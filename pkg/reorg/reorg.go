// Package reorg implements ReorgController (spec.md §4.5): selecting the
// newest still-valid checkpoint when upstream rewrites message history,
// truncating every downstream output to match, and appending new inbox
// batches once the MessageLog's tip is consistent again.
package reorg

import (
	"math/big"
	"sync"

	"github.com/ascrivener/corevm/pkg/checkpoint"
	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/logscursor"
	"github.com/ascrivener/corevm/pkg/machine"
	"github.com/ascrivener/corevm/pkg/messagelog"
	"github.com/ascrivener/corevm/pkg/outputstreams"
	"github.com/ascrivener/corevm/pkg/sideload"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

// SideloadTruncator is the subset of sideload.Cache[T]'s API reorg needs,
// expressed without its type parameter so Controller stays independent of
// whatever concrete machine type the caller plugs in.
type SideloadTruncator interface {
	TruncateFrom(from uint64)
}

// impliedReorgPoint is used for add_messages' "implied point" when the
// caller supplies no explicit reorg_message_count: reorg_to's accumulator
// consistency check, not the message-number bound, is what actually decides
// which checkpoint survives, so an unconstrained bound here is equivalent to
// scanning for the newest checkpoint the MessageLog still agrees with.
const impliedReorgPoint = ^uint64(0)

// Controller owns the reorg mutex (spec.md §5) and coordinates
// CheckpointIndex, MessageLog, OutputStreams, LogsCursors, and SideloadIndex
// during a reorg.
type Controller struct {
	mu            sync.Mutex
	store         *storage.Store
	cursors       *logscursor.Cursors
	numCursors    int
	sideloadCache SideloadTruncator
	valueCache    *valuestore.Cache
}

func NewController(store *storage.Store, cursors *logscursor.Cursors, numCursors int, sideloadCache SideloadTruncator) *Controller {
	return &Controller{
		store:         store,
		cursors:       cursors,
		numCursors:    numCursors,
		sideloadCache: sideloadCache,
		valueCache:    valuestore.NewCache(),
	}
}

// ReorgTo implements reorg_to (spec.md §4.5 step 1-6): walk checkpoints from
// highest gas downward until one is both old enough (or useLatest) and still
// consistent with the MessageLog, then truncate every downstream output to
// match it and return its rematerialized state.
func (c *Controller) ReorgTo(messageNumber uint64, useLatest bool) (machine.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx := c.store.Begin()
	snap, err := c.reorgToLocked(tx, messageNumber, useLatest)
	if err != nil {
		tx.Discard()
		return machine.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return machine.Snapshot{}, err
	}
	return snap, nil
}

func (c *Controller) reorgToLocked(tx *storage.Transaction, messageNumber uint64, useLatest bool) (machine.Snapshot, error) {
	var (
		target value.MachineStateKeys
		found  bool
	)

	err := checkpoint.Descend(tx, func(gas *big.Int, keys value.MachineStateKeys) (bool, error) {
		oldEnough := useLatest || keys.Output.FullyProcessedInbox.Count == 0
		if !oldEnough {
			oldEnough = keys.Output.FullyProcessedInbox.Count-1 <= messageNumber
		}

		if oldEnough && checkpointConsistent(tx, keys) {
			target, found = keys, true
			return true, nil
		}

		return false, checkpoint.Delete(tx, gas)
	})
	if err != nil {
		return machine.Snapshot{}, err
	}
	if !found {
		return machine.Snapshot{}, coreerrors.NotFound("reorg: no checkpoint survives reorg_to(%d)", messageNumber)
	}

	for i := 0; i < c.numCursors; i++ {
		if err := c.cursors.HandleReorg(tx, i, target.Output.LogCount); err != nil {
			return machine.Snapshot{}, err
		}
	}

	truncateFrom := uint64(0)
	if target.Output.HasLastSideload {
		truncateFrom = target.Output.LastSideload + 1
	}
	if err := sideload.TruncateFrom(tx, truncateFrom); err != nil {
		return machine.Snapshot{}, err
	}
	if c.sideloadCache != nil {
		c.sideloadCache.TruncateFrom(truncateFrom)
	}

	logInserted, err := tx.GetCounter(storage.StateFieldLogInserted)
	if err != nil {
		return machine.Snapshot{}, err
	}
	for idx := target.Output.LogCount; idx < logInserted; idx++ {
		if err := outputstreams.DeleteLog(tx, idx); err != nil {
			return machine.Snapshot{}, err
		}
	}

	if err := tx.SetCounter(storage.StateFieldLogInserted, target.Output.LogCount); err != nil {
		return machine.Snapshot{}, err
	}
	if err := tx.SetCounter(storage.StateFieldSendInserted, target.Output.SendCount); err != nil {
		return machine.Snapshot{}, err
	}

	return checkpoint.ToSnapshot(tx, target, c.valueCache)
}

// checkpointConsistent reports whether keys.Output.FullyProcessedInbox still
// matches the MessageLog's accumulator at count-1 (spec.md §4.5 step 1).
func checkpointConsistent(tx *storage.Transaction, keys value.MachineStateKeys) bool {
	if keys.Output.FullyProcessedInbox.Count == 0 {
		return true
	}
	acc, err := messagelog.GetInboxAcc(tx, keys.Output.FullyProcessedInbox.Count-1)
	if err != nil {
		return false
	}
	return acc == keys.Output.FullyProcessedInbox.Accumulator
}

// AddMessagesResult reports what AddMessages did: whether a reorg ran and,
// if so, the rematerialized state the Executor must rebuild its live
// machine from.
type AddMessagesResult struct {
	Reorged  bool
	Snapshot machine.Snapshot
}

// AddMessages implements add_messages (spec.md §4.5): detect whether the
// incoming batch requires a reorg, run it if so, then append the new batch
// items and delayed messages within a single transaction.
func (c *Controller) AddMessages(
	items []messagelog.SequencerBatchItem,
	delayed map[uint64][]byte,
	prevInboxAcc value.Hash,
	reorgMessageCount *uint64,
) (AddMessagesResult, error) {
	needsReorg := reorgMessageCount != nil
	if !needsReorg {
		tipTx := c.store.Begin()
		tipAcc, err := messagelog.TipAccumulator(tipTx)
		tipTx.Discard()
		if err != nil {
			return AddMessagesResult{}, err
		}
		if len(items) > 0 && tipAcc != prevInboxAcc {
			needsReorg = true
		}
	}

	var result AddMessagesResult
	if needsReorg {
		point := impliedReorgPoint
		if reorgMessageCount != nil {
			point = *reorgMessageCount
		}
		snap, err := c.ReorgTo(point, false)
		if err != nil {
			return AddMessagesResult{}, err
		}
		result.Reorged = true
		result.Snapshot = snap

		checkTx := c.store.Begin()
		newTip, err := messagelog.TipAccumulator(checkTx)
		checkTx.Discard()
		if err != nil {
			return AddMessagesResult{}, err
		}
		if newTip != prevInboxAcc {
			return AddMessagesResult{}, coreerrors.NeedOlder("reorg: prev_inbox_acc still does not match tip after reorg")
		}
	}

	tx := c.store.Begin()
	for _, item := range items {
		if err := messagelog.PutSequencerBatchItem(tx, item); err != nil {
			tx.Discard()
			return AddMessagesResult{}, err
		}
	}
	for idx, payload := range delayed {
		if err := messagelog.PutDelayedMessage(tx, idx, payload); err != nil {
			tx.Discard()
			return AddMessagesResult{}, err
		}
	}
	if len(items) > 0 {
		last := items[len(items)-1]
		if err := tx.SetCounter(storage.StateFieldMessageEntryInserted, last.LastSequenceNumber); err != nil {
			tx.Discard()
			return AddMessagesResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return AddMessagesResult{}, err
	}
	return result, nil
}
