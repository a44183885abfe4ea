package executor

import (
	"sync/atomic"

	"github.com/ascrivener/corevm/pkg/messagelog"
	"github.com/ascrivener/corevm/pkg/value"
)

// MailboxState is the single-slot mailbox's atomic enum (spec.md §4.4):
// EMPTY -> READY (written only by the feeder) -> one of SUCCESS, NEED_OLDER,
// ERROR (written only by the Executor). The feeder may only transition
// EMPTY -> READY; after observing a terminal state it resets the slot back
// to EMPTY.
type MailboxState int32

const (
	MailboxEmpty MailboxState = iota
	MailboxReady
	MailboxSuccess
	MailboxNeedOlder
	MailboxError
)

func (s MailboxState) String() string {
	switch s {
	case MailboxEmpty:
		return "EMPTY"
	case MailboxReady:
		return "READY"
	case MailboxSuccess:
		return "SUCCESS"
	case MailboxNeedOlder:
		return "NEED_OLDER"
	case MailboxError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Mailbox is the single-slot handoff between a feeder goroutine and the
// Executor, plus the batch payload the feeder last deposited.
type Mailbox struct {
	state atomic.Int32
	batch atomic.Pointer[Batch]
}

// Batch is one deliver_messages call's payload (spec.md §6): the new
// sequencer batch items and delayed messages a feeder has already decoded
// off the wire, plus the reorg-detection fields ReorgController.AddMessages
// needs.
type Batch struct {
	Items             []messagelog.SequencerBatchItem
	Delayed           map[uint64][]byte
	PrevInboxAcc      value.Hash
	LastBlockComplete bool
	HasReorg          bool
	ReorgMessageCount uint64
}

// TryDeliver writes batch into the mailbox if, and only if, the slot is
// currently EMPTY. It returns false if the Executor has not yet drained the
// previous batch.
func (m *Mailbox) TryDeliver(batch *Batch) bool {
	if !m.state.CompareAndSwap(int32(MailboxEmpty), int32(MailboxReady)) {
		return false
	}
	m.batch.Store(batch)
	return true
}

// State reads the mailbox's current state.
func (m *Mailbox) State() MailboxState {
	return MailboxState(m.state.Load())
}

// TakeReady returns the pending batch if the slot is READY, for the
// Executor to consume at the top of a tick.
func (m *Mailbox) TakeReady() (*Batch, bool) {
	if m.State() != MailboxReady {
		return nil, false
	}
	return m.batch.Load(), true
}

// Resolve transitions READY -> terminal; called only by the Executor.
func (m *Mailbox) Resolve(terminal MailboxState) {
	m.state.Store(int32(terminal))
}

// Clear resets a terminal state back to EMPTY; called only by the feeder
// after observing and handling the terminal state.
func (m *Mailbox) Clear() {
	m.state.Store(int32(MailboxEmpty))
	m.batch.Store(nil)
}
