package pstate

// TxnMetadata describes one transaction, in-flight or just completed.
type TxnMetadata struct {
	ProducerID  int64
	FirstOffset int64
	LastOffset  int64
}

// CompletedTxn is the transient result of processing an end-transaction
// marker, consumed by StateManager.CompleteTxn.
type CompletedTxn struct {
	ProducerID  int64
	FirstOffset int64
	LastOffset  int64
	IsAborted   bool
}

// AbortedTxn is a persisted record of one aborted transaction, surfaced to
// fetch requests in read_committed isolation so consumers can filter
// records that belong to it.
type AbortedTxn struct {
	ProducerID       int64
	FirstOffset      int64
	LastOffset       int64
	LastStableOffset int64
}

// AbortedTxnRef is the wire element Reported for a fetch response: just
// enough to let the consumer filter out the transaction's records.
type AbortedTxnRef struct {
	ProducerID  int64
	FirstOffset int64
}

// AnalyzeResult is the pure output of StateManager.AnalyzeAndValidate: the
// staged per-producer deltas, any transactions completed by the analyzed
// batches, and an early-exit duplicate if one was found.
type AnalyzeResult struct {
	AppendInfoByProducer map[int64]*ProducerAppendInfo
	CompletedTxns        []CompletedTxn
	Duplicate            *BatchMetadata
}

// ProducerAppendInfo stages the delta a batch sequence would make to one
// producer's state, without mutating the manager. The caller commits the
// staged delta via StateManager.Update only after the corresponding log
// append succeeds.
type ProducerAppendInfo struct {
	topicPartition string
	producerID     int64
	currentEntry   *ProducerStateEntry
	origin         AppendOrigin

	updatedEntry        *ProducerStateEntry
	startedTransactions []TxnMetadata
}

func newProducerAppendInfo(topicPartition string, producerID int64, currentEntry *ProducerStateEntry, origin AppendOrigin) *ProducerAppendInfo {
	info := &ProducerAppendInfo{
		topicPartition: topicPartition,
		producerID:     producerID,
		currentEntry:   currentEntry,
		origin:         origin,
	}
	info.resetUpdatedEntry()
	return info
}

func (p *ProducerAppendInfo) resetUpdatedEntry() {
	p.updatedEntry = emptyProducerStateEntry(p.producerID)
	p.updatedEntry.ProducerEpoch = p.currentEntry.ProducerEpoch
	p.updatedEntry.CoordinatorEpoch = p.currentEntry.CoordinatorEpoch
	p.updatedEntry.LastTimestamp = p.currentEntry.LastTimestamp
	if off, ok := p.currentEntry.OpenTxnFirstOffset(); ok {
		p.updatedEntry.setOpenTxn(off)
	}
}

// ProducerID returns the producer this append info is staged for.
func (p *ProducerAppendInfo) ProducerID() int64 { return p.producerID }

// Entry returns the staged entry that Update will install or merge.
func (p *ProducerAppendInfo) Entry() *ProducerStateEntry { return p.updatedEntry }

// StartedTransactions returns the transactions this batch sequence opened.
func (p *ProducerAppendInfo) StartedTransactions() []TxnMetadata { return p.startedTransactions }

func (p *ProducerAppendInfo) checkProducerEpoch(epoch int16) error {
	if epoch < p.updatedEntry.ProducerEpoch {
		return &invalidEpochError{p.topicPartition, epoch, p.updatedEntry.ProducerEpoch}
	}
	return nil
}

func (p *ProducerAppendInfo) checkSequence(epoch int16, appendFirstSeq int32) error {
	if epoch != p.updatedEntry.ProducerEpoch {
		if appendFirstSeq != 0 && p.updatedEntry.ProducerEpoch != NoProducerEpoch {
			return &outOfOrderSequenceError{p.topicPartition, p.producerID, appendFirstSeq, NoSequence}
		}
		return nil
	}

	var currentLastSeq int32
	switch {
	case !p.updatedEntry.IsEmpty():
		currentLastSeq = p.updatedEntry.LastSeq()
	case epoch == p.currentEntry.ProducerEpoch:
		currentLastSeq = p.currentEntry.LastSeq()
	default:
		currentLastSeq = NoSequence
	}

	// A producer that has lost all of its retained state (e.g. due to
	// retention) is allowed to restart its sequence at any number.
	if p.currentEntry.ProducerEpoch == NoProducerEpoch {
		return nil
	}
	if !inSequence(currentLastSeq, appendFirstSeq) {
		return &outOfOrderSequenceError{p.topicPartition, p.producerID, appendFirstSeq, currentLastSeq}
	}
	return nil
}

func (p *ProducerAppendInfo) maybeValidateDataBatch(epoch int16, firstSeq int32) error {
	if err := p.checkProducerEpoch(epoch); err != nil {
		return err
	}
	if p.origin == OriginClient {
		return p.checkSequence(epoch, firstSeq)
	}
	return nil
}

// AppendDataBatch folds one non-control batch into the staged entry,
// validating epoch (always) and sequence (client origin only), then
// opening, continuing, or rejecting an in-flight transaction.
func (p *ProducerAppendInfo) AppendDataBatch(epoch int16, firstSeq, lastSeq int32, lastTimestamp, firstOffset, lastOffset int64, isTransactional bool) error {
	if err := p.maybeValidateDataBatch(epoch, firstSeq); err != nil {
		return err
	}
	p.updatedEntry.addBatch(epoch, lastSeq, lastOffset, int32(lastOffset-firstOffset), lastTimestamp)

	if _, open := p.updatedEntry.OpenTxnFirstOffset(); open {
		if !isTransactional {
			return &invalidTxnStateError{p.topicPartition, p.producerID, firstOffset}
		}
		return nil
	}
	if isTransactional {
		p.updatedEntry.setOpenTxn(firstOffset)
		p.startedTransactions = append(p.startedTransactions, TxnMetadata{ProducerID: p.producerID, FirstOffset: firstOffset})
	}
	return nil
}

// AppendEndTxnMarker closes out (or no-ops on) the open transaction for an
// end-transaction control record, bumping the epoch and timestamp
// regardless of whether a transaction was open.
func (p *ProducerAppendInfo) AppendEndTxnMarker(marker EndTransactionMarker, epoch int16, offset, timestamp int64) (*CompletedTxn, error) {
	if err := p.checkProducerEpoch(epoch); err != nil {
		return nil, err
	}

	var completed *CompletedTxn
	if firstOffset, open := p.updatedEntry.OpenTxnFirstOffset(); open {
		completed = &CompletedTxn{
			ProducerID:  p.producerID,
			FirstOffset: firstOffset,
			LastOffset:  offset,
			IsAborted:   marker.ControlType == ControlTypeAbort,
		}
	}

	p.updatedEntry.maybeUpdateEpoch(epoch)
	p.updatedEntry.clearOpenTxn()
	p.updatedEntry.LastTimestamp = timestamp
	return completed, nil
}

// Append processes one record batch: control batches are routed to
// AppendEndTxnMarker (no-op if empty), everything else to AppendDataBatch.
// firstOffset overrides the batch's own base offset when the log has not
// yet assigned one (the log assigns offsets after validation in some
// brokers); when zero-valued it defaults to the batch's base offset.
func (p *ProducerAppendInfo) Append(batch RecordBatch, firstOffset *int64) (*CompletedTxn, error) {
	if batch.IsControlBatch() {
		rec, ok := batch.ControlRecord()
		if !ok {
			// Entire transaction has been cleaned from the log;
			// nothing to append.
			return nil, nil
		}
		return p.AppendEndTxnMarker(rec.Marker, batch.ProducerEpoch(), batch.BaseOffset(), rec.Timestamp)
	}

	fo := batch.BaseOffset()
	if firstOffset != nil {
		fo = *firstOffset
	}
	err := p.AppendDataBatch(batch.ProducerEpoch(), batch.BaseSequence(), batch.LastSequence(),
		batch.MaxTimestamp(), fo, batch.LastOffset(), batch.IsTransactional())
	return nil, err
}

// ResetOffset rewrites the single staged batch with a new offset range,
// used when the log assigns offsets only after validation succeeds.
func (p *ProducerAppendInfo) ResetOffset(baseOffset int64, isTransactional bool) error {
	epoch := p.updatedEntry.ProducerEpoch
	if p.updatedEntry.IsEmpty() {
		return nil
	}
	b := p.updatedEntry.batches[0]

	p.resetUpdatedEntry()
	p.startedTransactions = nil

	offsetDelta := b.LastSeq - b.FirstSeq()
	return p.AppendDataBatch(epoch, b.FirstSeq(), b.LastSeq, b.Timestamp, baseOffset, baseOffset+int64(offsetDelta), isTransactional)
}
