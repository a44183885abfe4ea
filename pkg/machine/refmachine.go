package machine

import (
	"fmt"
	"math/big"

	"github.com/ascrivener/corevm/pkg/value"
)

// sideloadEvery marks a sideload boundary every N fully-processed inbox
// messages. A real VM signals sideload boundaries from the program itself;
// this reference machine has no program, so it approximates a block
// boundary with a fixed message cadence.
const sideloadEvery = 10

// RefMachine is the minimal MachineThread this repository needs for its own
// tests, since the VM interpreter proper is an external collaborator out of
// scope (spec.md §1). Rather than opcodes and gas accounting, it charges a
// flat per-message cost, turns each consumed message into one log (the
// message reinterpreted as an Int) and one send (the message's raw bytes),
// and raises a sideload boundary every sideloadEvery messages.
type RefMachine struct {
	register      value.Value
	static        value.Value
	dataStack     value.Value
	auxStack      value.Value
	stagedMessage value.Value

	arbGasRemaining *big.Int
	status          Status
	pc              value.CodePoint
	errPC           value.CodePoint
	output          value.Output

	costPerMessage uint64
	pending        *Assertion
	errString      string
}

// NewRefMachine constructs a fresh machine with gasRemaining available and
// costPerMessage charged for each inbox message it consumes.
func NewRefMachine(gasRemaining *big.Int, costPerMessage uint64) *RefMachine {
	return &RefMachine{
		register:        value.NewInt(big.NewInt(0)),
		static:          value.NewInt(big.NewInt(0)),
		dataStack:       value.NewTuple(nil),
		auxStack:        value.NewTuple(nil),
		stagedMessage:   value.NewInt(big.NewInt(0)),
		arbGasRemaining: new(big.Int).Set(gasRemaining),
		status:          StatusNone,
		output: value.Output{
			ArbGasUsed: big.NewInt(0),
		},
		costPerMessage: costPerMessage,
	}
}

func (m *RefMachine) Run(cfg ExecConfig) (bool, error) {
	if m.status == StatusError {
		return false, fmt.Errorf("machine: Run called while in ERROR status: %s", m.errString)
	}

	cost := new(big.Int).SetUint64(m.costPerMessage)
	var logs []value.Value
	var sends [][]byte
	hitSideload := false
	var sideloadBlock uint64

	consumed := 0
	for _, msg := range cfg.Messages {
		if cfg.MaxGas != nil {
			used := new(big.Int).Sub(cfg.MaxGas, m.output.ArbGasUsed)
			if used.Sign() <= 0 {
				break
			}
		}
		if m.arbGasRemaining.Cmp(cost) < 0 {
			break
		}

		m.arbGasRemaining.Sub(m.arbGasRemaining, cost)
		m.output.ArbGasUsed.Add(m.output.ArbGasUsed, cost)
		m.output.LogCount++
		m.output.SendCount++
		m.output.FullyProcessedInbox = value.InboxState{Count: msg.Index + 1, Accumulator: msg.Accumulator}

		logs = append(logs, value.NewInt(new(big.Int).SetBytes(msg.Payload)))
		sends = append(sends, append([]byte(nil), msg.Payload...))
		consumed++

		if m.output.FullyProcessedInbox.Count%sideloadEvery == 0 {
			hitSideload = true
			sideloadBlock = m.output.FullyProcessedInbox.Count / sideloadEvery
			m.output.HasLastSideload = true
			m.output.LastSideload = sideloadBlock
			break
		}
	}

	if consumed == 0 {
		return false, nil
	}

	m.status = StatusSuccess
	m.pending = &Assertion{
		Logs:          logs,
		Sends:         sends,
		HasSideload:   hitSideload,
		SideloadBlock: sideloadBlock,
		Output:        m.output.Clone(),
	}
	return true, nil
}

func (m *RefMachine) NextAssertion() (Assertion, error) {
	if m.pending == nil {
		return Assertion{}, fmt.Errorf("machine: no assertion pending")
	}
	a := *m.pending
	m.pending = nil
	return a, nil
}

func (m *RefMachine) Status() Status { return m.status }

func (m *RefMachine) Abort() {
	m.status = StatusAborted
}

func (m *RefMachine) ContinueRunning() (bool, error) {
	if m.status != StatusAborted && m.status != StatusSuccess {
		return false, nil
	}
	m.status = StatusNone
	return true, nil
}

func (m *RefMachine) ClearError() {
	if m.status == StatusError {
		m.status = StatusNone
		m.errString = ""
	}
}

func (m *RefMachine) GetReorgData() value.InboxState {
	return m.output.FullyProcessedInbox
}

func (m *RefMachine) Clone() MachineThread {
	clone := *m
	clone.arbGasRemaining = new(big.Int).Set(m.arbGasRemaining)
	clone.output = m.output.Clone()
	if m.pending != nil {
		pendingCopy := *m.pending
		pendingCopy.Output = m.pending.Output.Clone()
		clone.pending = &pendingCopy
	}
	return &clone
}

func (m *RefMachine) Snapshot() Snapshot {
	return Snapshot{
		Register:        m.register,
		Static:          m.static,
		DataStack:       m.dataStack,
		AuxStack:        m.auxStack,
		ArbGasRemaining: new(big.Int).Set(m.arbGasRemaining),
		Status:          value.MachineStatus(m.status),
		PC:              m.pc,
		ErrPC:           m.errPC,
		StagedMessage:   m.stagedMessage,
		Output:          m.output.Clone(),
	}
}

// FromSnapshot rebuilds a RefMachine from a previously captured Snapshot,
// used when re-materializing from a checkpoint (reorg, ExecutionCursor).
func FromSnapshot(snap Snapshot, costPerMessage uint64) *RefMachine {
	return &RefMachine{
		register:        snap.Register,
		static:          snap.Static,
		dataStack:       snap.DataStack,
		auxStack:        snap.AuxStack,
		stagedMessage:   snap.StagedMessage,
		arbGasRemaining: new(big.Int).Set(snap.ArbGasRemaining),
		status:          Status(snap.Status),
		pc:              snap.PC,
		errPC:           snap.ErrPC,
		output:          snap.Output.Clone(),
		costPerMessage:  costPerMessage,
	}
}
