// Package messagelog implements MessageLog (spec.md §4.3): an append-only
// log of inbox batch items plus the accumulator hash chain over them, split
// across two columns — sequencer batch items keyed by last_sequence_number,
// delayed messages keyed by their own delayed index. Reads use seek(low)
// then forward iteration, per spec.md §4.3.
package messagelog

import (
	"encoding/binary"

	"github.com/ascrivener/corevm/pkg/coreerrors"
	"github.com/ascrivener/corevm/pkg/storage"
	"github.com/ascrivener/corevm/pkg/value"
)

// SequencerBatchItem is spec.md §3's {last_sequence_number,
// total_delayed_count, accumulator, optional sequencer_message}. Exactly one
// of HasSequencerMessage's payload or a run of delayed messages is emitted
// per item; carrying both is a fatal format error (spec.md §4.3).
type SequencerBatchItem struct {
	LastSequenceNumber  uint64
	TotalDelayedCount   uint64
	Accumulator         value.Hash
	HasSequencerMessage bool
	SequencerMessage    []byte
}

// Message is one emitted inbox entry: a dense index, the accumulator of the
// batch item that produced it, and its raw payload (either the sequencer
// message or a delayed message's content).
type Message struct {
	Index       uint64
	Accumulator value.Hash
	Payload     []byte
}

func seqKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func delayedKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// encodeItem renders a SequencerBatchItem as total_delayed_count(8) |
// accumulator(32) | has_seq(1) | [len(4) | sequencer_message] if has_seq.
func encodeItem(item SequencerBatchItem) []byte {
	buf := make([]byte, 8+32+1)
	binary.BigEndian.PutUint64(buf[0:8], item.TotalDelayedCount)
	copy(buf[8:40], item.Accumulator[:])
	if item.HasSequencerMessage {
		buf[40] = 1
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(item.SequencerMessage)))
		buf = append(buf, lenBuf...)
		buf = append(buf, item.SequencerMessage...)
	}
	return buf
}

func decodeItem(lastSeq uint64, b []byte) (SequencerBatchItem, error) {
	if len(b) < 8+32+1 {
		return SequencerBatchItem{}, coreerrors.Fatal("messagelog: truncated batch item at sequence %d", lastSeq)
	}
	item := SequencerBatchItem{LastSequenceNumber: lastSeq}
	item.TotalDelayedCount = binary.BigEndian.Uint64(b[0:8])
	copy(item.Accumulator[:], b[8:40])
	if b[40] != 0 {
		if len(b) < 45 {
			return SequencerBatchItem{}, coreerrors.Fatal("messagelog: truncated sequencer message header at sequence %d", lastSeq)
		}
		n := binary.BigEndian.Uint32(b[41:45])
		if uint32(len(b)-45) != n {
			return SequencerBatchItem{}, coreerrors.Fatal("messagelog: sequencer message length mismatch at sequence %d", lastSeq)
		}
		item.HasSequencerMessage = true
		item.SequencerMessage = append([]byte(nil), b[45:]...)
	}
	return item, nil
}

// PutSequencerBatchItem writes item, keyed by its LastSequenceNumber. Reorg
// and re-delivery naturally overwrite a stale item at the same key.
func PutSequencerBatchItem(tx *storage.Transaction, item SequencerBatchItem) error {
	return tx.Set(storage.ColMessagesSequencer, seqKey(item.LastSequenceNumber), encodeItem(item))
}

// GetSequencerBatchItem reads the item stored at exactly lastSeq.
func GetSequencerBatchItem(tx *storage.Transaction, lastSeq uint64) (SequencerBatchItem, error) {
	raw, err := tx.Get(storage.ColMessagesSequencer, seqKey(lastSeq))
	if err != nil {
		return SequencerBatchItem{}, err
	}
	return decodeItem(lastSeq, raw)
}

// PutDelayedMessage writes the raw content of the delayed message at index.
func PutDelayedMessage(tx *storage.Transaction, index uint64, payload []byte) error {
	return tx.Set(storage.ColMessagesDelayed, delayedKey(index), payload)
}

// GetDelayedMessage reads the raw content of the delayed message at index.
func GetDelayedMessage(tx *storage.Transaction, index uint64) ([]byte, error) {
	return tx.Get(storage.ColMessagesDelayed, delayedKey(index))
}

// MessageEntryInsertedCount returns the number of message slots filled: the
// LastSequenceNumber of the newest sequencer batch item, or 0 if the log is
// empty.
func MessageEntryInsertedCount(tx *storage.Transaction) (uint64, error) {
	it, err := tx.NewIterator(storage.ColMessagesSequencer)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	if !it.Last() {
		return 0, nil
	}
	return binary.BigEndian.Uint64(it.Key()), nil
}

// TipAccumulator returns the accumulator of the newest sequencer batch item,
// the "current tip accumulator" spec.md §4.5's add_messages compares an
// incoming batch's previous accumulator against.
func TipAccumulator(tx *storage.Transaction) (value.Hash, error) {
	it, err := tx.NewIterator(storage.ColMessagesSequencer)
	if err != nil {
		return value.Hash{}, err
	}
	defer it.Close()
	if !it.Last() {
		return value.Hash{}, nil
	}
	item, err := decodeItem(binary.BigEndian.Uint64(it.Key()), it.Value())
	if err != nil {
		return value.Hash{}, err
	}
	return item.Accumulator, nil
}

// itemRange reports the half-open [start, item.LastSequenceNumber) range of
// message indices item is responsible for, given the previous item's
// LastSequenceNumber (0 if item is the first).
func itemRange(prevLastSeq uint64, item SequencerBatchItem) (start, end uint64) {
	return prevLastSeq, item.LastSequenceNumber
}

func prevItem(it *storage.Iterator, lastSeq uint64) (SequencerBatchItem, bool, error) {
	if !it.SeekLT(seqKey(lastSeq)) {
		return SequencerBatchItem{}, false, nil
	}
	prevLastSeq := binary.BigEndian.Uint64(it.Key())
	item, err := decodeItem(prevLastSeq, it.Value())
	if err != nil {
		return SequencerBatchItem{}, false, err
	}
	return item, true, nil
}

// GetMessages emits up to count messages starting at index, consistency
// checking the first batch item's accumulator against startAcc. A mismatch
// returns NotFound — spec.md §4.3's trigger for the caller to initiate a
// reorg. Emission stops at count or end of log.
func GetMessages(tx *storage.Transaction, startAcc value.Hash, index uint64, count uint64) ([]Message, error) {
	it, err := tx.NewIterator(storage.ColMessagesSequencer)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	if !it.SeekGE(seqKey(index)) {
		return nil, coreerrors.NotFound("messagelog: no messages at or after index %d", index)
	}
	lastSeq := binary.BigEndian.Uint64(it.Key())
	item, err := decodeItem(lastSeq, it.Value())
	if err != nil {
		return nil, err
	}
	if !startAcc.IsZero() && item.Accumulator != startAcc {
		return nil, coreerrors.NotFound("messagelog: accumulator mismatch at index %d", index)
	}

	prev, hasPrev, err := prevItem(it, lastSeq)
	if err != nil {
		return nil, err
	}
	prevLastSeq, prevTotalDelayed := uint64(0), uint64(0)
	if hasPrev {
		prevLastSeq, prevTotalDelayed = prev.LastSequenceNumber, prev.TotalDelayedCount
	}

	// advanceItem moves lastSeq/item/prevLastSeq/prevTotalDelayed to the next
	// iterator entry, reporting whether one existed.
	advanceItem := func() (bool, error) {
		if !it.Next() {
			return false, nil
		}
		prevLastSeq, prevTotalDelayed = lastSeq, item.TotalDelayedCount
		lastSeq = binary.BigEndian.Uint64(it.Key())
		var err error
		item, err = decodeItem(lastSeq, it.Value())
		if err != nil {
			return false, err
		}
		return true, nil
	}

	var out []Message
	cur := index
	for {
		start, end := itemRange(prevLastSeq, item)
		if cur < start {
			// index landed inside a gap; nothing to read for this tick.
			break
		}
		if cur >= end {
			// cur already sits past this item (the common case: it is exactly
			// the count this item closed at), so move on to the next item
			// rather than treating this as a gap.
			ok, err := advanceItem()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			continue
		}

		delayedDelta := item.TotalDelayedCount - prevTotalDelayed
		seqDelta := end - start
		if item.HasSequencerMessage && delayedDelta > 0 {
			return nil, coreerrors.Fatal("messagelog: batch item %d mixes sequencer message and delayed messages", lastSeq)
		}

		for cur < end && uint64(len(out)) < count {
			offset := cur - start
			var payload []byte
			if item.HasSequencerMessage {
				if seqDelta != 1 {
					return nil, coreerrors.Fatal("messagelog: batch item %d carries a sequencer message over a range of %d", lastSeq, seqDelta)
				}
				payload = item.SequencerMessage
			} else {
				delayedIdx := prevTotalDelayed + offset
				payload, err = GetDelayedMessage(tx, delayedIdx)
				if err != nil {
					return nil, err
				}
			}
			out = append(out, Message{Index: cur, Accumulator: item.Accumulator, Payload: payload})
			cur++
		}

		if uint64(len(out)) >= count {
			break
		}
		ok, err := advanceItem()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
	}
	return out, nil
}

// GetInboxAcc returns the accumulator of the batch item covering index.
func GetInboxAcc(tx *storage.Transaction, index uint64) (value.Hash, error) {
	it, err := tx.NewIterator(storage.ColMessagesSequencer)
	if err != nil {
		return value.Hash{}, err
	}
	defer it.Close()
	// The item covering message index is the first one whose
	// LastSequenceNumber (its exclusive end) is greater than index.
	if !it.SeekGE(seqKey(index + 1)) {
		return value.Hash{}, coreerrors.NotFound("messagelog: no accumulator at index %d", index)
	}
	lastSeq := binary.BigEndian.Uint64(it.Key())
	item, err := decodeItem(lastSeq, it.Value())
	if err != nil {
		return value.Hash{}, err
	}
	return item.Accumulator, nil
}

// GetInboxAccPair returns the accumulators at indices i and j.
func GetInboxAccPair(tx *storage.Transaction, i, j uint64) (value.Hash, value.Hash, error) {
	accI, err := GetInboxAcc(tx, i)
	if err != nil {
		return value.Hash{}, value.Hash{}, err
	}
	accJ, err := GetInboxAcc(tx, j)
	if err != nil {
		return value.Hash{}, value.Hash{}, err
	}
	return accI, accJ, nil
}
