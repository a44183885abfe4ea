// Package machine defines the VM contract the Executor, ExecutionCursors,
// and SideloadCache drive (spec.md §6: "VM contract (consumed)"), plus a
// minimal reference implementation used by this module's own tests. The
// actual VM interpreter — opcodes, gas accounting for real bytecode — is an
// external collaborator out of scope for this repository (spec.md §1); what
// lives here is the MachineThread contract and a toy machine that satisfies
// it faithfully enough to drive the Executor's state machine end to end.
package machine

import (
	"math/big"

	"github.com/ascrivener/corevm/pkg/value"
)

// Status mirrors the VM contract's four-way run status (spec.md §6).
type Status int

const (
	StatusNone Status = iota
	StatusAborted
	StatusError
	StatusSuccess
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusAborted:
		return "ABORTED"
	case StatusError:
		return "ERROR"
	case StatusSuccess:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// InboxMessage is one message fed into a Run call: the dense inbox index,
// the accumulator the MessageLog recorded for it, and its raw payload.
type InboxMessage struct {
	Index       uint64
	Accumulator value.Hash
	Payload     []byte
}

// ExecConfig bounds one Run invocation: the messages available to consume
// this tick and an optional gas ceiling (nil means run until idle or error).
type ExecConfig struct {
	Messages []InboxMessage
	MaxGas   *big.Int
}

// Assertion is one atomic batch of VM output (spec.md GLOSSARY): the logs
// and sends produced since the last assertion, an optional sideload
// boundary, and the VM's Output counters as of this assertion.
type Assertion struct {
	Logs         []value.Value
	Sends        [][]byte
	HasSideload  bool
	SideloadBlock uint64
	Output       value.Output
}

// MachineThread is the VM contract spec.md §6 requires: run a tick,
// retrieve the assertion it produced, inspect status, and recover from
// errors or reorgs.
type MachineThread interface {
	// Run advances the machine according to cfg and reports whether it
	// produced a new assertion (true) or went idle/errored without one.
	Run(cfg ExecConfig) (bool, error)
	// NextAssertion returns (and clears) the assertion produced by the most
	// recent Run call. Calling it without a pending assertion is a caller
	// error.
	NextAssertion() (Assertion, error)
	Status() Status
	Abort()
	// ContinueRunning resumes a machine left at a sideload/assertion
	// boundary so it can keep consuming messages.
	ContinueRunning() (bool, error)
	ClearError()
	GetReorgData() value.InboxState
	// Clone returns an independent copy suitable for SideloadCache and
	// ExecutionCursor use; mutating the clone never affects the original.
	Clone() MachineThread
	// Snapshot renders the machine's current in-memory state. The machine
	// itself never touches ValueStore or the KV store — a caller that needs
	// a persistable MachineStateKeys Puts Snapshot's Value fields into
	// ValueStore and fills in the resulting hashes (see
	// pkg/checkpoint.FromSnapshot).
	Snapshot() Snapshot
}

// Snapshot is a MachineThread's state rendered as in-memory values rather
// than ValueStore hashes: everything CheckpointIndex eventually persists,
// one layer before Put gives each Value field a hash.
type Snapshot struct {
	Register        value.Value
	Static          value.Value
	DataStack       value.Value
	AuxStack        value.Value
	ArbGasRemaining *big.Int
	Status          value.MachineStatus
	PC              value.CodePoint
	ErrPC           value.CodePoint
	StagedMessage   value.Value
	Output          value.Output
}
