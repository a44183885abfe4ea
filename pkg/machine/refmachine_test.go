package machine

import (
	"math/big"
	"testing"

	"github.com/ascrivener/corevm/pkg/value"
)

func makeMessages(n int, start uint64) []InboxMessage {
	msgs := make([]InboxMessage, n)
	for i := 0; i < n; i++ {
		msgs[i] = InboxMessage{
			Index:   start + uint64(i),
			Payload: []byte{byte(i + 1)},
		}
	}
	return msgs
}

func TestRunConsumesMessagesAndProducesAssertion(t *testing.T) {
	m := NewRefMachine(big.NewInt(1000), 1)

	progressed, err := m.Run(ExecConfig{Messages: makeMessages(3, 0)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !progressed {
		t.Fatal("expected Run to report progress")
	}
	if m.Status() != StatusSuccess {
		t.Fatalf("Status = %v, want SUCCESS", m.Status())
	}

	assertion, err := m.NextAssertion()
	if err != nil {
		t.Fatalf("NextAssertion: %v", err)
	}
	if len(assertion.Logs) != 3 || len(assertion.Sends) != 3 {
		t.Fatalf("assertion has %d logs, %d sends, want 3, 3", len(assertion.Logs), len(assertion.Sends))
	}
	if assertion.HasSideload {
		t.Fatal("3 messages should not cross a sideload boundary")
	}
	if assertion.Output.ArbGasUsed.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("ArbGasUsed = %s, want 3", assertion.Output.ArbGasUsed)
	}

	if _, err := m.NextAssertion(); err == nil {
		t.Fatal("NextAssertion should error when nothing is pending")
	}
}

func TestRunStopsAtGasCeiling(t *testing.T) {
	m := NewRefMachine(big.NewInt(1000), 1)

	progressed, err := m.Run(ExecConfig{Messages: makeMessages(5, 0), MaxGas: big.NewInt(2)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !progressed {
		t.Fatal("expected progress before hitting the gas ceiling")
	}
	assertion, err := m.NextAssertion()
	if err != nil {
		t.Fatalf("NextAssertion: %v", err)
	}
	if len(assertion.Logs) != 2 {
		t.Fatalf("consumed %d messages under MaxGas=2, want 2", len(assertion.Logs))
	}
}

func TestRunHitsSideloadBoundary(t *testing.T) {
	m := NewRefMachine(big.NewInt(1000), 1)

	progressed, err := m.Run(ExecConfig{Messages: makeMessages(15, 0)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !progressed {
		t.Fatal("expected progress")
	}
	assertion, err := m.NextAssertion()
	if err != nil {
		t.Fatalf("NextAssertion: %v", err)
	}
	if !assertion.HasSideload {
		t.Fatal("expected a sideload boundary at message 10")
	}
	if assertion.SideloadBlock != 1 {
		t.Fatalf("SideloadBlock = %d, want 1", assertion.SideloadBlock)
	}
	if len(assertion.Logs) != 10 {
		t.Fatalf("consumed %d messages before the sideload boundary, want 10", len(assertion.Logs))
	}
}

func TestRunOutOfGasProducesNoAssertion(t *testing.T) {
	m := NewRefMachine(big.NewInt(0), 1)

	progressed, err := m.Run(ExecConfig{Messages: makeMessages(1, 0)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if progressed {
		t.Fatal("expected no progress with zero gas remaining")
	}
	if m.Status() != StatusNone {
		t.Fatalf("Status = %v, want NONE", m.Status())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := NewRefMachine(big.NewInt(1000), 1)
	if _, err := m.Run(ExecConfig{Messages: makeMessages(2, 0)}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	clone := m.Clone().(*RefMachine)
	if _, err := clone.NextAssertion(); err != nil {
		t.Fatalf("clone NextAssertion: %v", err)
	}
	if _, err := m.NextAssertion(); err != nil {
		t.Fatalf("original NextAssertion should still have its own pending assertion: %v", err)
	}

	if _, err := clone.Run(ExecConfig{Messages: makeMessages(1, 2)}); err != nil {
		t.Fatalf("clone Run: %v", err)
	}
	if m.GetReorgData().Count == clone.GetReorgData().Count {
		t.Fatal("mutating the clone should not affect the original machine's progress")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := NewRefMachine(big.NewInt(1000), 1)
	if _, err := m.Run(ExecConfig{Messages: makeMessages(3, 0)}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := m.NextAssertion(); err != nil {
		t.Fatalf("NextAssertion: %v", err)
	}

	snap := m.Snapshot()
	rebuilt := FromSnapshot(snap, 1)

	if rebuilt.GetReorgData().Count != m.GetReorgData().Count {
		t.Fatalf("rebuilt FullyProcessedInbox.Count = %d, want %d", rebuilt.GetReorgData().Count, m.GetReorgData().Count)
	}
	if rebuilt.Snapshot().ArbGasRemaining.Cmp(snap.ArbGasRemaining) != 0 {
		t.Fatal("rebuilt ArbGasRemaining does not match the original snapshot")
	}
	if !rebuilt.Snapshot().Register.Equal(snap.Register) {
		t.Fatal("rebuilt Register value does not match the original snapshot")
	}
}

func TestAbortAndContinueRunning(t *testing.T) {
	m := NewRefMachine(big.NewInt(1000), 1)
	m.Abort()
	if m.Status() != StatusAborted {
		t.Fatalf("Status = %v, want ABORTED", m.Status())
	}
	resumed, err := m.ContinueRunning()
	if err != nil {
		t.Fatalf("ContinueRunning: %v", err)
	}
	if !resumed {
		t.Fatal("expected ContinueRunning to resume from ABORTED")
	}
	if m.Status() != StatusNone {
		t.Fatalf("Status after ContinueRunning = %v, want NONE", m.Status())
	}
}

func TestValueOutputClone(t *testing.T) {
	out := value.Output{ArbGasUsed: big.NewInt(5)}
	clone := out.Clone()
	clone.ArbGasUsed.Add(clone.ArbGasUsed, big.NewInt(1))
	if out.ArbGasUsed.Cmp(big.NewInt(5)) != 0 {
		t.Fatal("mutating a cloned Output should not affect the original")
	}
}
