package logscursor

import (
	"math/big"
	"testing"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/outputstreams"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
	"github.com/ascrivener/corevm/pkg/valuestore"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func appendLogs(t *testing.T, tx *storage.Transaction, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h, err := valuestore.Put(tx, value.NewInt(big.NewInt(int64(i))))
		if err != nil {
			t.Fatalf("valuestore.Put(%d): %v", i, err)
		}
		if err := outputstreams.AppendLog(tx, uint64(i), h); err != nil {
			t.Fatalf("AppendLog(%d): %v", i, err)
		}
	}
}

func TestRequestServiceGetLogsConfirmReceivedCycle(t *testing.T) {
	store := openTestStore(t)
	tx := store.Begin()
	appendLogs(t, tx, 5)

	cursors := New(1)

	if err := cursors.Request(0, 3); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if status, err := cursors.StatusOf(0); err != nil || status != StatusRequested {
		t.Fatalf("StatusOf after Request = (%v, %v), want REQUESTED", status, err)
	}

	if err := cursors.Service(tx, 0, 5); err != nil {
		t.Fatalf("Service: %v", err)
	}
	if status, err := cursors.StatusOf(0); err != nil || status != StatusReady {
		t.Fatalf("StatusOf after Service = (%v, %v), want READY", status, err)
	}

	data, deleted, err := cursors.GetLogs(0)
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if len(data) != 3 || len(deleted) != 0 {
		t.Fatalf("GetLogs returned %d data, %d deleted, want 3, 0", len(data), len(deleted))
	}

	if err := cursors.ConfirmReceived(tx, 0); err != nil {
		t.Fatalf("ConfirmReceived: %v", err)
	}
	if status, err := cursors.StatusOf(0); err != nil || status != StatusEmpty {
		t.Fatalf("StatusOf after ConfirmReceived = (%v, %v), want EMPTY", status, err)
	}
	pos, err := cursors.Position(tx, 0)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if pos != 3 {
		t.Fatalf("Position = %d, want 3", pos)
	}
}

func TestRequestWhileNotEmptyIsFatal(t *testing.T) {
	cursors := New(1)
	if err := cursors.Request(0, 1); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := cursors.Request(0, 1); !coreerrors.IsFatal(err) {
		t.Fatalf("second Request while REQUESTED: expected Fatal, got %v", err)
	}
}

func TestGetLogsWhileNotReadyIsNotFound(t *testing.T) {
	cursors := New(1)
	if _, _, err := cursors.GetLogs(0); !coreerrors.IsNotFound(err) {
		t.Fatalf("GetLogs while EMPTY: expected NotFound, got %v", err)
	}
}

func TestHandleReorgDowngradesReadyToRequested(t *testing.T) {
	store := openTestStore(t)
	tx := store.Begin()
	appendLogs(t, tx, 5)

	cursors := New(1)
	if err := cursors.Request(0, 5); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := cursors.Service(tx, 0, 5); err != nil {
		t.Fatalf("Service: %v", err)
	}
	data, _, err := cursors.GetLogs(0)
	if err != nil || len(data) != 5 {
		t.Fatalf("GetLogs: data=%d, err=%v", len(data), err)
	}

	// Reorg truncates the log stream down to nothing: all of the cursor's
	// already-filled data is wiped and it falls back to REQUESTED so the
	// Executor re-services it.
	if err := cursors.HandleReorg(tx, 0, 0); err != nil {
		t.Fatalf("HandleReorg: %v", err)
	}
	status, err := cursors.StatusOf(0)
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if status != StatusRequested {
		t.Fatalf("status after reorg = %v, want REQUESTED", status)
	}
}

func TestClearErrorResetsErrorCursor(t *testing.T) {
	cursors := New(1)
	cur := cursors.slots[0]
	cur.status = StatusError
	cur.errString = "boom"

	msg, ok, err := cursors.CheckError(0)
	if err != nil || !ok || msg != "boom" {
		t.Fatalf("CheckError = (%q, %v, %v), want (\"boom\", true, nil)", msg, ok, err)
	}
	if err := cursors.ClearError(0); err != nil {
		t.Fatalf("ClearError: %v", err)
	}
	if status, err := cursors.StatusOf(0); err != nil || status != StatusEmpty {
		t.Fatalf("StatusOf after ClearError = (%v, %v), want EMPTY", status, err)
	}
}

func TestStatusOfUnknownSlotIsNotFound(t *testing.T) {
	cursors := New(1)
	if _, err := cursors.StatusOf(7); !coreerrors.IsNotFound(err) {
		t.Fatalf("StatusOf(7): expected NotFound, got %v", err)
	}
}
