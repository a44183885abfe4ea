// Package executor implements the Executor (spec.md §4.4): the single
// writer task driving the live VM forward, the sole goroutine permitted to
// mutate the KV store outside of a reorg. Everything else — LogsCursors
// servicing, checkpoint persistence, sideload caching, mailbox intake — is
// folded into its per-tick state machine.
package executor

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ascrivener/corevm/pkg/checkpoint"
	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/execcursor"
	"github.com/ascrivener/corevm/pkg/logscursor"
	"github.com/ascrivener/corevm/pkg/machine"
	"github.com/ascrivener/corevm/pkg/messagelog"
	"github.com/ascrivener/corevm/pkg/outputstreams"
	"github.com/ascrivener/corevm/pkg/reorg"
	"github.com/ascrivener/corevm/pkg/sideload"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

const (
	messagesPerTick = 10
	idleSleep       = 20 * time.Millisecond
)

// Executor owns the live VM and is the only goroutine that may write to the
// KV store outside of a reorg (spec.md §5).
type Executor struct {
	store      *storage.Store
	reorg      *reorg.Controller
	cursors    *logscursor.Cursors
	numCursors int
	factory    execcursor.Factory
	cache      *sideload.Cache[machine.MachineThread]
	logger     *log.Logger
	mailbox    *Mailbox

	lifecycle sync.Mutex
	stopCh    chan struct{}
	doneCh    chan struct{}

	vm machine.MachineThread

	lastOutput              atomic.Pointer[value.Output]
	coreError               atomic.Pointer[string]
	saveCheckpointRequested atomic.Bool
}

// New constructs an Executor.
func New(
	store *storage.Store,
	reorgCtrl *reorg.Controller,
	cursors *logscursor.Cursors,
	numCursors int,
	factory execcursor.Factory,
	sideloadCache *sideload.Cache[machine.MachineThread],
	logger *log.Logger,
) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		store:      store,
		reorg:      reorgCtrl,
		cursors:    cursors,
		numCursors: numCursors,
		factory:    factory,
		cache:      sideloadCache,
		logger:     logger,
		mailbox:    &Mailbox{},
	}
}

// Mailbox exposes the feeder-facing mailbox slot (spec.md §4.4/§6).
func (e *Executor) Mailbox() *Mailbox { return e.mailbox }

// LastOutput returns the most recently published Output, or nil if the
// Executor has not yet produced one (spec.md §5's reader-biased last-output
// snapshot).
func (e *Executor) LastOutput() *value.Output {
	return e.lastOutput.Load()
}

// CoreError returns the fatal error string set by a terminated run, if any.
func (e *Executor) CoreError() (string, bool) {
	p := e.coreError.Load()
	if p == nil {
		return "", false
	}
	return *p, true
}

// RequestSaveCheckpoint sets the manual save-checkpoint test hook (spec.md
// §4.4 step 5, §9): the Executor observes and clears the flag each tick but
// never acts on it, per spec.md's decision to leave checkpoint pruning
// unspecified.
func (e *Executor) RequestSaveCheckpoint() { e.saveCheckpointRequested.Store(true) }

// StartThread implements start_thread (spec.md §4.4): abort any existing
// run, seat vm as the live machine, and spawn the tick loop.
func (e *Executor) StartThread(vm machine.MachineThread) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.abortThreadLocked()

	e.vm = vm
	e.coreError.Store(nil)
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.run(e.stopCh, e.doneCh)
}

// AbortThread implements abort_thread: stop the run loop and abort the live
// VM, blocking until the goroutine has exited.
func (e *Executor) AbortThread() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.abortThreadLocked()
}

func (e *Executor) abortThreadLocked() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	if e.vm != nil {
		e.vm.Abort()
	}
	e.stopCh = nil
	e.doneCh = nil
}

func (e *Executor) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		didWork, err := e.tick()
		if err != nil {
			e.fail(err)
			return
		}
		if !didWork {
			select {
			case <-stopCh:
				return
			case <-time.After(idleSleep):
			}
		}
	}
}

func (e *Executor) fail(err error) {
	msg := err.Error()
	e.coreError.Store(&msg)
	e.logger.Printf("executor: fatal: %v", err)
	if e.vm != nil {
		e.vm.Abort()
	}
}

// tick runs one iteration of spec.md §4.4's per-tick state machine,
// reporting whether it did anything (so the caller knows whether to sleep).
func (e *Executor) tick() (bool, error) {
	didWork := false

	// Step 1: validity check.
	if err := e.checkValidity(); err != nil {
		return false, err
	}

	// Step 2: inbox intake.
	if batch, ok := e.mailbox.TakeReady(); ok {
		didWork = true
		if err := e.intake(batch); err != nil {
			e.mailbox.Resolve(MailboxError)
			return didWork, err
		}
	}

	// Step 3: machine status dispatch.
	switch e.vm.Status() {
	case machine.StatusError:
		e.coreError.Store(strPtr("machine entered ERROR status"))
		return didWork, coreerrors.Fatal("executor: live machine entered ERROR status")
	case machine.StatusSuccess:
		didWork = true
		if err := e.handleSuccess(); err != nil {
			return didWork, err
		}
	case machine.StatusAborted:
		didWork = true
		e.vm.ClearError()
	default: // StatusNone: idle
		progressed, err := e.feedIdleMachine()
		if err != nil {
			return didWork, err
		}
		didWork = didWork || progressed
	}

	// Step 4: service every REQUESTED LogsCursor.
	serviced, err := e.serviceCursors()
	if err != nil {
		return didWork, err
	}
	didWork = didWork || serviced

	// Step 5: manual save-checkpoint flag — observed and cleared, never
	// acted upon (spec.md §9).
	e.saveCheckpointRequested.Store(false)

	return didWork, nil
}

func strPtr(s string) *string { return &s }

// checkValidity implements spec.md §4.4 step 1: rewind to the latest valid
// checkpoint if the MessageLog no longer confirms the live VM's
// fully_processed_inbox.
func (e *Executor) checkValidity() error {
	tx := e.store.Snapshot()
	reorgData := e.vm.GetReorgData()
	consistent := reorgData.Count == 0
	if !consistent {
		acc, err := messagelog.GetInboxAcc(tx, reorgData.Count-1)
		consistent = err == nil && acc == reorgData.Accumulator
	}
	tx.Discard()
	if consistent {
		return nil
	}

	snap, err := e.reorg.ReorgTo(0, true)
	if err != nil {
		return err
	}
	e.vm = e.factory(snap)
	return nil
}

// intake implements spec.md §4.4 step 2.
func (e *Executor) intake(batch *Batch) error {
	var reorgCount *uint64
	if batch.HasReorg {
		reorgCount = &batch.ReorgMessageCount
	}

	result, err := e.reorg.AddMessages(batch.Items, batch.Delayed, batch.PrevInboxAcc, reorgCount)
	if err != nil {
		if coreerrors.IsNeedOlder(err) {
			e.mailbox.Resolve(MailboxNeedOlder)
			return nil
		}
		return err
	}
	if result.Reorged {
		e.vm = e.factory(result.Snapshot)
	}
	e.mailbox.Resolve(MailboxSuccess)
	return nil
}

// handleSuccess implements spec.md §4.4 step 3's SUCCESS branch: persist the
// assertion's logs/sends/checkpoint/sideload atomically, then let the VM
// resume.
func (e *Executor) handleSuccess() error {
	assertion, err := e.vm.NextAssertion()
	if err != nil {
		return err
	}

	tx := e.store.Begin()
	if err := e.persistAssertion(tx, assertion); err != nil {
		tx.Discard()
		return err
	}
	keys, err := checkpoint.FromSnapshot(tx, e.vm.Snapshot())
	if err != nil {
		tx.Discard()
		return err
	}
	if err := checkpoint.Put(tx, keys); err != nil {
		tx.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if assertion.HasSideload && e.cache != nil {
		e.cache.Put(assertion.SideloadBlock, e.vm.Clone())
	}

	out := assertion.Output
	e.lastOutput.Store(&out)

	if _, err := e.vm.ContinueRunning(); err != nil {
		return err
	}
	return nil
}

func (e *Executor) persistAssertion(tx *storage.Transaction, assertion machine.Assertion) error {
	logBase := assertion.Output.LogCount - uint64(len(assertion.Logs))
	for i, v := range assertion.Logs {
		h, err := valuestore.Put(tx, v)
		if err != nil {
			return err
		}
		if err := outputstreams.AppendLog(tx, logBase+uint64(i), h); err != nil {
			return err
		}
	}

	sendBase := assertion.Output.SendCount - uint64(len(assertion.Sends))
	for i, s := range assertion.Sends {
		if err := outputstreams.AppendSend(tx, sendBase+uint64(i), s); err != nil {
			return err
		}
	}

	if err := tx.SetCounter(storage.StateFieldLogInserted, assertion.Output.LogCount); err != nil {
		return err
	}
	if err := tx.SetCounter(storage.StateFieldSendInserted, assertion.Output.SendCount); err != nil {
		return err
	}
	if assertion.HasSideload {
		if err := sideload.Put(tx, assertion.SideloadBlock, assertion.Output.ArbGasUsed); err != nil {
			return err
		}
	}
	return nil
}

// feedIdleMachine implements spec.md §4.4 step 3's IDLE branch.
func (e *Executor) feedIdleMachine() (bool, error) {
	tx := e.store.Snapshot()
	reorgData := e.vm.GetReorgData()
	msgs, err := messagelog.GetMessages(tx, reorgData.Accumulator, reorgData.Count, messagesPerTick)
	tx.Discard()
	if err != nil {
		if coreerrors.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}

	inbox := make([]machine.InboxMessage, len(msgs))
	for i, m := range msgs {
		inbox[i] = machine.InboxMessage{Index: m.Index, Accumulator: m.Accumulator, Payload: m.Payload}
	}
	if _, err := e.vm.Run(machine.ExecConfig{Messages: inbox}); err != nil {
		return false, err
	}
	return true, nil
}

// serviceCursors implements spec.md §4.4 step 4: fill every REQUESTED
// LogsCursor slot.
func (e *Executor) serviceCursors() (bool, error) {
	if e.cursors == nil || e.numCursors == 0 {
		return false, nil
	}
	tx := e.store.Snapshot()
	logInserted, err := tx.GetCounter(storage.StateFieldLogInserted)
	tx.Discard()
	if err != nil {
		return false, err
	}

	did := false
	for i := 0; i < e.numCursors; i++ {
		status, err := e.cursors.StatusOf(i)
		if err != nil {
			return did, err
		}
		if status != logscursor.StatusRequested {
			continue
		}
		wtx := e.store.Begin()
		if err := e.cursors.Service(wtx, i, logInserted); err != nil {
			wtx.Discard()
			return did, err
		}
		if err := wtx.Commit(); err != nil {
			return did, err
		}
		did = true
	}
	return did, nil
}
