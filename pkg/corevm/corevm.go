// Package corevm is the public facade (spec.md §6 "caller-facing
// operations"): the one entry point a host process embeds to run a
// persistent, reorganizable VM core. It wires together CheckpointIndex,
// MessageLog, OutputStreams, SideloadIndex/Cache, LogsCursors,
// ReorgController, ExecutionCursors, and the Executor behind a single
// struct, the way the teacher's cmd/jamzilla wires pkg/net, pkg/block, and
// pkg/statetransition behind one node.
package corevm

import (
	"log"
	"math/big"

	"github.com/ascrivener/corevm/pkg/checkpoint"
	"github.com/ascrivener/corevm/pkg/execcursor"
	"github.com/ascrivener/corevm/pkg/executor"
	"github.com/ascrivener/corevm/pkg/logscursor"
	"github.com/ascrivener/corevm/pkg/machine"
	"github.com/ascrivener/corevm/pkg/messagelog"
	"github.com/ascrivener/corevm/pkg/outputstreams"
	"github.com/ascrivener/corevm/pkg/reorg"
	"github.com/ascrivener/corevm/pkg/sideload"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
)

// NumLogsCursors is the fixed LogsCursor slot count spec.md §4.6 allows up
// to 256 of; this module runs one, the common case the spec calls out.
const NumLogsCursors = 1

// CoreVM is the assembled, running system.
type CoreVM struct {
	store     *storage.Store
	exec      *executor.Executor
	reorg     *reorg.Controller
	cursors   *logscursor.Cursors
	sideCache *sideload.Cache[machine.MachineThread]
	factory   execcursor.Factory
	logger    *log.Logger
}

// Open opens store's KV backing, assembles every component, and starts the
// Executor. If the checkpoint index is empty this is a fresh database and
// the Executor starts from genesis(); otherwise it resumes from the
// checkpoint at the highest recorded gas via factory.
func Open(store *storage.Store, genesis func() machine.MachineThread, factory execcursor.Factory, logger *log.Logger) (*CoreVM, error) {
	if logger == nil {
		logger = log.Default()
	}

	cursors := logscursor.New(NumLogsCursors)
	sideCache := sideload.NewCache[machine.MachineThread]()
	reorgCtrl := reorg.NewController(store, cursors, NumLogsCursors, sideCache)
	exec := executor.New(store, reorgCtrl, cursors, NumLogsCursors, factory, sideCache, logger)

	c := &CoreVM{
		store:     store,
		exec:      exec,
		reorg:     reorgCtrl,
		cursors:   cursors,
		sideCache: sideCache,
		factory:   factory,
		logger:    logger,
	}

	vm, err := c.initialMachine(genesis)
	if err != nil {
		return nil, err
	}
	exec.StartThread(vm)
	return c, nil
}

// initialMachine implements spec.md §8 scenario 1's "fresh init".
func (c *CoreVM) initialMachine(genesis func() machine.MachineThread) (machine.MachineThread, error) {
	tx := c.store.Snapshot()
	empty, err := checkpoint.Empty(tx)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	if empty {
		tx.Discard()
		return genesis(), nil
	}

	gas, err := checkpoint.MaxGas(tx)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	keys, err := checkpoint.GetAt(tx, gas)
	if err != nil {
		tx.Discard()
		return nil, err
	}
	snap, err := checkpoint.ToSnapshot(tx, keys, nil)
	tx.Discard()
	if err != nil {
		return nil, err
	}
	return c.factory(snap), nil
}

// Close stops the Executor and closes the underlying store.
func (c *CoreVM) Close() error {
	c.exec.AbortThread()
	return c.store.Close()
}

// DeliverMessages implements deliver_messages (spec.md §6).
func (c *CoreVM) DeliverMessages(
	items []messagelog.SequencerBatchItem,
	delayed map[uint64][]byte,
	prevInboxAcc value.Hash,
	lastBlockComplete bool,
	reorgMessageCount *uint64,
) bool {
	batch := &executor.Batch{
		Items:             items,
		Delayed:           delayed,
		PrevInboxAcc:      prevInboxAcc,
		LastBlockComplete: lastBlockComplete,
	}
	if reorgMessageCount != nil {
		batch.HasReorg = true
		batch.ReorgMessageCount = *reorgMessageCount
	}
	return c.exec.Mailbox().TryDeliver(batch)
}

// MessagesStatus implements messages_status.
func (c *CoreVM) MessagesStatus() executor.MailboxState {
	return c.exec.Mailbox().State()
}

// MessagesClearError implements messages_clear_error: acknowledge a
// terminal mailbox state and reset the slot to EMPTY.
func (c *CoreVM) MessagesClearError() {
	c.exec.Mailbox().Clear()
}

// LogInsertedCount implements log_inserted_count.
func (c *CoreVM) LogInsertedCount() (uint64, error) {
	return c.readCounter(storage.StateFieldLogInserted)
}

// SendInsertedCount implements send_inserted_count.
func (c *CoreVM) SendInsertedCount() (uint64, error) {
	return c.readCounter(storage.StateFieldSendInserted)
}

// MessageEntryInsertedCount implements message_entry_inserted_count.
func (c *CoreVM) MessageEntryInsertedCount() (uint64, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return messagelog.MessageEntryInsertedCount(tx)
}

func (c *CoreVM) readCounter(field byte) (uint64, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return tx.GetCounter(field)
}

// GetLogs implements get_logs.
func (c *CoreVM) GetLogs(index, count uint64) ([]value.Hash, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return outputstreams.GetLogs(tx, index, count)
}

// GetSends implements get_sends.
func (c *CoreVM) GetSends(index, count uint64) ([][]byte, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return outputstreams.GetSends(tx, index, count)
}

// GetMessages implements get_messages.
func (c *CoreVM) GetMessages(startAcc value.Hash, index, count uint64) ([]messagelog.Message, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return messagelog.GetMessages(tx, startAcc, index, count)
}

// GetInboxAcc implements get_inbox_acc.
func (c *CoreVM) GetInboxAcc(index uint64) (value.Hash, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return messagelog.GetInboxAcc(tx, index)
}

// GetInboxAccPair implements get_inbox_acc_pair.
func (c *CoreVM) GetInboxAccPair(i, j uint64) (value.Hash, value.Hash, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return messagelog.GetInboxAccPair(tx, i, j)
}

// GetSendAcc is the supplemented GetSendAcc (SPEC_FULL.md §9, arbcore.hpp
// lines 245-251).
func (c *CoreVM) GetSendAcc(start value.Hash, index, count uint64) (value.Hash, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return outputstreams.GetSendAcc(tx, start, index, count)
}

// GetLogAcc is the supplemented GetLogAcc (SPEC_FULL.md §9, arbcore.hpp
// lines 245-251).
func (c *CoreVM) GetLogAcc(start value.Hash, index, count uint64) (value.Hash, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return outputstreams.GetLogAcc(tx, start, index, count)
}

// GetExecutionCursor implements get_execution_cursor.
func (c *CoreVM) GetExecutionCursor(gasTarget *big.Int) (*execcursor.Cursor, error) {
	return execcursor.GetExecutionCursor(c.store, c.factory, gasTarget, false)
}

// AdvanceExecutionCursor implements advance_execution_cursor.
func (c *CoreVM) AdvanceExecutionCursor(cursor *execcursor.Cursor, maxGas *big.Int, goOverGas bool) error {
	return cursor.Advance(maxGas, goOverGas)
}

// TakeExecutionCursorMachine implements take_execution_cursor_machine.
func (c *CoreVM) TakeExecutionCursorMachine(cursor *execcursor.Cursor) (machine.MachineThread, error) {
	return cursor.TakeMachine()
}

// GetMachineForSideload implements get_machine_for_sideload (spec.md
// §4.1's GLOSSARY "sideload"): serve from SideloadCache's upper_bound
// lookup when possible, else fall back to SideloadIndex.seek_le and
// advance an ExecutionCursor to the sideload's exact gas.
func (c *CoreVM) GetMachineForSideload(blockNumber uint64) (machine.MachineThread, error) {
	if m, ok := c.sideCache.Get(blockNumber); ok {
		return m, nil
	}

	tx := c.store.Snapshot()
	_, gas, err := sideload.SeekLE(tx, blockNumber)
	tx.Discard()
	if err != nil {
		return nil, err
	}

	cursor, err := execcursor.GetExecutionCursor(c.store, c.factory, gas, false)
	if err != nil {
		return nil, err
	}
	return cursor.TakeMachine()
}

// LogsCursorRequest implements logs_cursor_request.
func (c *CoreVM) LogsCursorRequest(i int, n uint64) error {
	return c.cursors.Request(i, n)
}

// LogsCursorGetLogs implements logs_cursor_get_logs.
func (c *CoreVM) LogsCursorGetLogs(i int) (data, deletedData []value.Hash, err error) {
	return c.cursors.GetLogs(i)
}

// LogsCursorConfirmReceived implements logs_cursor_confirm_received.
func (c *CoreVM) LogsCursorConfirmReceived(i int) error {
	tx := c.store.Begin()
	if err := c.cursors.ConfirmReceived(tx, i); err != nil {
		tx.Discard()
		return err
	}
	return tx.Commit()
}

// LogsCursorCheckError implements logs_cursor_check_error.
func (c *CoreVM) LogsCursorCheckError(i int) (string, bool, error) {
	return c.cursors.CheckError(i)
}

// LogsCursorClearError implements logs_cursor_clear_error.
func (c *CoreVM) LogsCursorClearError(i int) error {
	return c.cursors.ClearError(i)
}

// LogsCursorPosition implements logs_cursor_position.
func (c *CoreVM) LogsCursorPosition(i int) (uint64, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return c.cursors.Position(tx, i)
}

// MachineMessagesRead implements machine_messages_read from the Executor's
// last published output: the fully-processed-inbox count of the most recent
// assertion it persisted in this process, or 0 before the first one. The
// value is not refreshed when a reorg rebuilds the live VM, and it does not
// include messages the live VM has consumed but not yet asserted.
func (c *CoreVM) MachineMessagesRead() uint64 {
	out := c.exec.LastOutput()
	if out == nil {
		return 0
	}
	return out.FullyProcessedInbox.Count
}

// MachineIdle implements machine_idle as a check of the mailbox slot alone:
// it reports true whenever the slot is EMPTY. It does not look at whether
// the MessageLog still holds messages the live VM has not consumed.
func (c *CoreVM) MachineIdle() bool {
	return c.exec.Mailbox().State() == executor.MailboxEmpty
}

// CoreError surfaces a fatal error that terminated the Executor loop, if
// any (spec.md §7's "core_error_string").
func (c *CoreVM) CoreError() (string, bool) {
	return c.exec.CoreError()
}

// CheckpointsEmpty exposes isCheckpointsEmpty (SPEC_FULL.md §9).
func (c *CoreVM) CheckpointsEmpty() (bool, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return checkpoint.Empty(tx)
}

// MaxCheckpointGas exposes maxCheckpointGas (SPEC_FULL.md §9).
func (c *CoreVM) MaxCheckpointGas() (*big.Int, error) {
	tx := c.store.Snapshot()
	defer tx.Discard()
	return checkpoint.MaxGas(tx)
}

// RequestSaveCheckpoint exposes the Executor's manual save-checkpoint test
// hook (spec.md §4.4 step 5).
func (c *CoreVM) RequestSaveCheckpoint() {
	c.exec.RequestSaveCheckpoint()
}
