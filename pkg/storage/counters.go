package storage

import (
	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/serializer"
)

// The persisted scalar counters spec.md §6 lists under a single-byte prefix
// inside ColState: log_inserted, log_processed, send_inserted,
// send_processed, message_entry_inserted, and one LogsCursor current-total
// count per cursor slot (prefix 0xBE followed by the cursor index byte).

// GetCounter reads the uint64 stored under field in ColState, or 0 if unset.
func (t *Transaction) GetCounter(field byte) (uint64, error) {
	raw, err := t.Get(ColState, []byte{field})
	if err != nil {
		if coreerrors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return serializer.DecodeLittleEndian(raw), nil
}

// SetCounter writes value under field in ColState.
func (t *Transaction) SetCounter(field byte, value uint64) error {
	return t.Set(ColState, []byte{field}, serializer.EncodeLittleEndian(8, value))
}

// CursorCountField renders the 0xBE|i key for LogsCursor i's persisted
// current_total_count field.
func CursorCountField(i byte) []byte {
	return []byte{StateFieldLogsCursorCountPrefix, i}
}

// GetCursorCount reads LogsCursor i's persisted current_total_count.
func (t *Transaction) GetCursorCount(i byte) (uint64, error) {
	raw, err := t.Get(ColState, CursorCountField(i))
	if err != nil {
		if coreerrors.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return serializer.DecodeLittleEndian(raw), nil
}

// SetCursorCount writes LogsCursor i's persisted current_total_count.
func (t *Transaction) SetCursorCount(i byte, value uint64) error {
	return t.Set(ColState, CursorCountField(i), serializer.EncodeLittleEndian(8, value))
}
