// Package logscursor implements LogsCursors (spec.md §4.6): a small fixed
// set of subscriber cursor slots exposing "new logs since last ack" and
// "deleted logs due to reorg", each independently driven by a consumer
// polling request/confirm_received and serviced by the Executor.
package logscursor

import (
	"sync"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/outputstreams"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
)

// Status is one LogsCursor slot's state machine (spec.md §4.6).
type Status int

const (
	StatusEmpty Status = iota
	StatusRequested
	StatusReady
	StatusError
)

// Cursor is one subscriber slot. All field access beyond construction goes
// through Cursors' methods, which take the cursor's mutex.
type Cursor struct {
	mu sync.Mutex

	status            Status
	numberRequested   uint64
	pendingTotalCount uint64
	data              []value.Hash
	deletedData       []value.Hash
	errString         string
}

// Cursors is the fixed array of cursor slots spec.md §4.6 describes
// ("design fixes <= 256, typical 1").
type Cursors struct {
	slots []*Cursor
}

// New allocates n cursor slots, all starting EMPTY.
func New(n int) *Cursors {
	slots := make([]*Cursor, n)
	for i := range slots {
		slots[i] = &Cursor{}
	}
	return &Cursors{slots: slots}
}

func (c *Cursors) slot(i int) (*Cursor, error) {
	if i < 0 || i >= len(c.slots) {
		return nil, coreerrors.NotFound("logscursor: no cursor at index %d", i)
	}
	return c.slots[i], nil
}

// Request moves cursor i EMPTY -> REQUESTED, asking for up to n new logs.
// Only legal while EMPTY.
func (c *Cursors) Request(i int, n uint64) error {
	cur, err := c.slot(i)
	if err != nil {
		return err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.status != StatusEmpty {
		return coreerrors.Fatal("logscursor: request(%d) called while not EMPTY (status=%d)", i, cur.status)
	}
	cur.status = StatusRequested
	cur.numberRequested = n
	return nil
}

// Service fills a REQUESTED cursor's data from the log stream, up to
// min(numberRequested, logInsertedCount-current), and moves it to READY.
// Called only by the Executor (spec.md §4.4 step 4).
func (c *Cursors) Service(tx *storage.Transaction, i int, logInsertedCount uint64) error {
	cur, err := c.slot(i)
	if err != nil {
		return err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.status != StatusRequested {
		return nil
	}

	current, err := tx.GetCursorCount(byte(i))
	if err != nil {
		cur.status = StatusError
		cur.errString = err.Error()
		return err
	}

	available := uint64(0)
	if logInsertedCount > current {
		available = logInsertedCount - current
	}
	n := cur.numberRequested
	if available < n {
		n = available
	}

	hashes, err := outputstreams.GetLogs(tx, current, n)
	if err != nil {
		cur.status = StatusError
		cur.errString = err.Error()
		return err
	}

	cur.data = hashes
	cur.pendingTotalCount = current + uint64(len(hashes))
	cur.status = StatusReady
	return nil
}

// GetLogs returns a READY cursor's freshly filled data and reorg-deleted
// data for the consumer to drain.
func (c *Cursors) GetLogs(i int) (data []value.Hash, deletedData []value.Hash, err error) {
	cur, err := c.slot(i)
	if err != nil {
		return nil, nil, err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.status != StatusReady {
		return nil, nil, coreerrors.NotFound("logscursor: cursor %d is not READY", i)
	}
	return append([]value.Hash(nil), cur.data...), append([]value.Hash(nil), cur.deletedData...), nil
}

// ConfirmReceived moves a READY cursor back to EMPTY after the consumer has
// drained both data and deleted_data, persisting current_total_count.
func (c *Cursors) ConfirmReceived(tx *storage.Transaction, i int) error {
	cur, err := c.slot(i)
	if err != nil {
		return err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.status != StatusReady {
		return coreerrors.Fatal("logscursor: confirm_received(%d) called while not READY", i)
	}
	if err := tx.SetCursorCount(byte(i), cur.pendingTotalCount); err != nil {
		return err
	}
	cur.data = nil
	cur.deletedData = nil
	cur.status = StatusEmpty
	return nil
}

// CheckError returns the error string recorded on a cursor in ERROR status.
func (c *Cursors) CheckError(i int) (string, bool, error) {
	cur, err := c.slot(i)
	if err != nil {
		return "", false, err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.status != StatusError {
		return "", false, nil
	}
	return cur.errString, true, nil
}

// ClearError resets an ERROR cursor to EMPTY after the consumer has read the
// error string.
func (c *Cursors) ClearError(i int) error {
	cur, err := c.slot(i)
	if err != nil {
		return err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if cur.status != StatusError {
		return coreerrors.Fatal("logscursor: clear_error(%d) called while not ERROR", i)
	}
	cur.status = StatusEmpty
	cur.errString = ""
	cur.data = nil
	cur.deletedData = nil
	return nil
}

// StatusOf reports cursor i's current state, for callers deciding whether
// Service has anything to do without paying for a write transaction.
func (c *Cursors) StatusOf(i int) (Status, error) {
	cur, err := c.slot(i)
	if err != nil {
		return StatusEmpty, err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()
	return cur.status, nil
}

// Position returns cursor i's persisted current_total_count.
func (c *Cursors) Position(tx *storage.Transaction, i int) (uint64, error) {
	if _, err := c.slot(i); err != nil {
		return 0, err
	}
	return tx.GetCursorCount(byte(i))
}

// HandleReorg implements handle_logs_cursor_reorg (spec.md §4.5 step 2,
// §4.6): called for every cursor before any log entries are physically
// removed, so cursors can snapshot the about-to-be-deleted suffix.
// targetCount is the surviving checkpoint's output.log_count.
func (c *Cursors) HandleReorg(tx *storage.Transaction, i int, targetCount uint64) error {
	cur, err := c.slot(i)
	if err != nil {
		return err
	}
	cur.mu.Lock()
	defer cur.mu.Unlock()

	current, err := tx.GetCursorCount(byte(i))
	if err != nil {
		return err
	}

	upper := cur.pendingTotalCount
	if upper < current {
		upper = current
	}
	if targetCount < upper {
		victims, err := outputstreams.GetLogs(tx, targetCount, upper-targetCount)
		if err != nil {
			return err
		}
		for j := len(victims) - 1; j >= 0; j-- {
			cur.deletedData = append(cur.deletedData, victims[j])
		}
	}

	dataBase := cur.pendingTotalCount - uint64(len(cur.data))
	cur.data = truncateData(cur.data, dataBase, targetCount)

	if current > targetCount {
		if err := tx.SetCursorCount(byte(i), targetCount); err != nil {
			return err
		}
	}
	if cur.pendingTotalCount > targetCount {
		cur.pendingTotalCount = targetCount
	}

	if cur.status == StatusReady && len(cur.data) == 0 {
		cur.status = StatusRequested
		if cur.numberRequested == 0 {
			cur.numberRequested = upper - targetCount
		}
	}
	return nil
}

// truncateData drops entries from data (which starts at index base) whose
// index is >= targetCount.
func truncateData(data []value.Hash, base uint64, targetCount uint64) []value.Hash {
	if targetCount >= base+uint64(len(data)) {
		return data
	}
	if targetCount <= base {
		return nil
	}
	keep := targetCount - base
	return data[:keep]
}
