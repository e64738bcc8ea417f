package pstate

// ProducerStateEntry is the bounded history of a single producer: its
// current epoch, coordinator epoch, the offset of its in-flight
// transaction (if any), and up to NumBatchesToRetain batches ordered by
// ascending sequence, oldest evicted first once the cap is hit.
type ProducerStateEntry struct {
	ProducerID            int64
	ProducerEpoch         int16
	CoordinatorEpoch      int32
	LastTimestamp         int64
	CurrentTxnFirstOffset int64 // meaningful only when hasOpenTxn
	hasOpenTxn            bool

	batches []BatchMetadata // ascending LastSeq, oldest first, len <= NumBatchesToRetain
}

// emptyProducerStateEntry returns the zero-value entry installed the first
// time a producer id is observed.
func emptyProducerStateEntry(producerID int64) *ProducerStateEntry {
	return &ProducerStateEntry{
		ProducerID:    producerID,
		ProducerEpoch: NoProducerEpoch,
		LastTimestamp: NoTimestamp,
	}
}

// IsEmpty reports whether the entry has no retained batch history.
func (e *ProducerStateEntry) IsEmpty() bool { return len(e.batches) == 0 }

// OpenTxnFirstOffset returns the first offset of the producer's in-flight
// transaction and true, or (0, false) if no transaction is open.
func (e *ProducerStateEntry) OpenTxnFirstOffset() (int64, bool) {
	if !e.hasOpenTxn {
		return 0, false
	}
	return e.CurrentTxnFirstOffset, true
}

func (e *ProducerStateEntry) setOpenTxn(firstOffset int64) {
	e.CurrentTxnFirstOffset = firstOffset
	e.hasOpenTxn = true
}

func (e *ProducerStateEntry) clearOpenTxn() {
	e.CurrentTxnFirstOffset = 0
	e.hasOpenTxn = false
}

// FirstSeq returns the first sequence of the oldest retained batch, or
// NoSequence if the history is empty.
func (e *ProducerStateEntry) FirstSeq() int32 {
	if e.IsEmpty() {
		return NoSequence
	}
	return e.batches[0].FirstSeq()
}

// FirstDataOffset returns the first offset of the oldest retained batch, or
// -1 if the history is empty.
func (e *ProducerStateEntry) FirstDataOffset() int64 {
	if e.IsEmpty() {
		return -1
	}
	return e.batches[0].FirstOffset()
}

// LastSeq returns the last sequence of the newest retained batch, or
// NoSequence if the history is empty.
func (e *ProducerStateEntry) LastSeq() int32 {
	if e.IsEmpty() {
		return NoSequence
	}
	return e.batches[len(e.batches)-1].LastSeq
}

// LastDataOffset returns the last offset of the newest retained batch, or
// -1 if the history is empty.
func (e *ProducerStateEntry) LastDataOffset() int64 {
	if e.IsEmpty() {
		return -1
	}
	return e.batches[len(e.batches)-1].LastOffset
}

// LastOffsetDelta returns the offset delta of the newest retained batch, or
// 0 if the history is empty.
func (e *ProducerStateEntry) LastOffsetDelta() int32 {
	if e.IsEmpty() {
		return 0
	}
	return e.batches[len(e.batches)-1].OffsetDelta
}

// addBatch records a new batch, bumping the epoch (and clearing history) if
// it differs from the entry's current epoch.
func (e *ProducerStateEntry) addBatch(epoch int16, lastSeq int32, lastOffset int64, offsetDelta int32, timestamp int64) {
	e.maybeUpdateEpoch(epoch)
	e.addBatchMetadata(BatchMetadata{lastSeq, lastOffset, offsetDelta, timestamp})
	e.LastTimestamp = timestamp
}

// maybeUpdateEpoch clears the batch history and adopts the new epoch if it
// differs from the current one, reporting whether it changed.
func (e *ProducerStateEntry) maybeUpdateEpoch(epoch int16) bool {
	if e.ProducerEpoch == epoch {
		return false
	}
	e.batches = nil
	e.ProducerEpoch = epoch
	return true
}

func (e *ProducerStateEntry) addBatchMetadata(b BatchMetadata) {
	if len(e.batches) == NumBatchesToRetain {
		e.batches = append(e.batches[:0], e.batches[1:]...)
	}
	e.batches = append(e.batches, b)
}

// update merges nextEntry's newly staged batches, epoch, open-txn offset,
// and timestamp into e. Used by StateManager.update to install a
// ProducerAppendInfo's staged delta into the long-lived entry.
func (e *ProducerStateEntry) update(next *ProducerStateEntry) {
	e.maybeUpdateEpoch(next.ProducerEpoch)
	for _, b := range next.batches {
		e.addBatchMetadata(b)
	}
	e.CoordinatorEpoch = next.CoordinatorEpoch
	e.hasOpenTxn = next.hasOpenTxn
	e.CurrentTxnFirstOffset = next.CurrentTxnFirstOffset
	e.LastTimestamp = next.LastTimestamp
}

// findDuplicateBatch returns the retained batch whose epoch and
// (firstSeq, lastSeq) exactly match the incoming batch, if any.
func (e *ProducerStateEntry) findDuplicateBatch(epoch int16, firstSeq, lastSeq int32) (BatchMetadata, bool) {
	if epoch != e.ProducerEpoch {
		return BatchMetadata{}, false
	}
	for _, b := range e.batches {
		if b.hasSequenceRange(firstSeq, lastSeq) {
			return b, true
		}
	}
	return BatchMetadata{}, false
}
