package pstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/kopbroker/pstate/internal/txnindex"
	"github.com/kopbroker/pstate/pkg/pslog"
)

// logRecovery drives an asynchronous cursor to replay batches into a
// StateManager after a snapshot has been loaded. It keeps a bounded queue
// of undecoded entries topped up from the cursor, decodes and folds them
// into a transient local map, and commits each drained slice to the
// manager before requesting more.
//
// Unlike the source this was modeled on, which falls back to a 1ms sleep
// when the queue drains with no read outstanding, this waits on the
// pending read's own completion: Cursor.ReadEntries blocks until ctx is done or
// the cursor replies, so there is never a busy-poll.
type logRecovery struct {
	mgr            *StateManager
	cursor         Cursor
	cacheQueueSize int
	maxErrorCount  int
	errorCount     int
	readComplete   bool
}

func newLogRecovery(mgr *StateManager, cursor Cursor, cacheQueueSize, maxErrorCount int) *logRecovery {
	return &logRecovery{
		mgr:            mgr,
		cursor:         cursor,
		cacheQueueSize: cacheQueueSize,
		maxErrorCount:  maxErrorCount,
	}
}

// run replays the log to its tail, committing each drained batch of
// entries to the manager as it goes. A cursor read failure is budgeted
// against maxErrorCount, the same as the original's ManagedLedgerException
// handling in readEntriesFailed. A validation failure while folding a
// decoded batch into producer state is never budgeted: it propagates out
// immediately as ErrRecoveryFailed, matching the original's behavior of
// letting an exception out of updateProducers fail the whole recovery
// future outright rather than retrying.
func (lr *logRecovery) run(ctx context.Context) error {
	for !lr.readComplete {
		entries, err := lr.cursor.ReadEntries(ctx, lr.cacheQueueSize)
		if err != nil {
			if errors.Is(err, ErrNoMoreEntries) {
				lr.readComplete = true
				break
			}
			if ferr := lr.checkErrorCount(err); ferr != nil {
				return ferr
			}
			continue
		}
		if len(entries) == 0 {
			lr.readComplete = true
			break
		}

		if err := lr.processEntries(entries); err != nil {
			var verr *validationError
			if errors.As(err, &verr) {
				lr.mgr.log.Log(pslog.LevelError, "recovery batch validation failed",
					"partition", lr.mgr.topicPartition, "err", verr.cause)
				return fmt.Errorf("%w: %v", ErrRecoveryFailed, verr.cause)
			}
			if ferr := lr.checkErrorCount(err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// validationError marks a processEntries failure as a semantic rejection
// of a batch's producer state (backward epoch or bad transaction state)
// rather than a cursor read or decode failure, so run never weighs it
// against the transient-error budget.
type validationError struct{ cause error }

func (e *validationError) Error() string { return e.cause.Error() }
func (e *validationError) Unwrap() error { return e.cause }

// processEntries decodes one drained slice of log entries and folds every
// batch into a transient per-producer map. A batch that fails validation
// stops the loop, but every producer update already folded in this round
// - including the failing producer's own prior, valid batches - is still
// committed to the manager before the validation error is returned; only
// the batches at and after the failure are dropped.
func (lr *logRecovery) processEntries(entries [][]byte) error {
	decoded, err := lr.mgr.decoder.Decode(entries)
	if err != nil {
		return err
	}

	localInfos := make(map[int64]*ProducerAppendInfo)
	var completedTxns []CompletedTxn
	var batchErr error

	for _, batch := range decoded.Records.Batches() {
		producerID := batch.ProducerID()
		if producerID == NoProducerID {
			continue
		}
		info, ok := localInfos[producerID]
		if !ok {
			info = lr.mgr.PrepareUpdate(producerID, OriginLog)
			localInfos[producerID] = info
		}
		ctxn, err := info.Append(batch, nil)
		if err != nil {
			batchErr = &validationError{err}
			break
		}
		if ctxn != nil {
			completedTxns = append(completedTxns, *ctxn)
		}
	}

	for _, info := range localInfos {
		if err := lr.commitDuringRecovery(info); err != nil {
			return err
		}
	}
	for _, ctxn := range completedTxns {
		if err := lr.completeDuringRecovery(ctxn); err != nil {
			return err
		}
	}
	return batchErr
}

// commitDuringRecovery and completeDuringRecovery bypass the READY-state
// gate that Update/CompleteTxn normally enforce, since recovery runs while
// the manager is still RECOVERING.
func (lr *logRecovery) commitDuringRecovery(info *ProducerAppendInfo) error {
	m := lr.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := info.Entry()
	if existing, ok := m.producers[info.producerID]; ok {
		existing.update(updated)
	} else {
		m.producers[info.producerID] = updated
	}
	for _, txn := range info.StartedTransactions() {
		m.ongoingTxns.Put(&txnindex.Txn{ProducerID: txn.ProducerID, FirstOffset: txn.FirstOffset})
	}
	return nil
}

func (lr *logRecovery) completeDuringRecovery(completed CompletedTxn) error {
	m := lr.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	lso := m.lastStableOffsetLocked(completed)
	txn := m.ongoingTxns.Remove(completed.FirstOffset)
	if txn == nil {
		return fmt.Errorf("%w: attempted to complete transaction %+v on partition %s which was not started during recovery",
			ErrIllegalState, completed, m.topicPartition)
	}
	txn.LastOffset = completed.LastOffset
	if completed.IsAborted {
		m.abortedIndex = append(m.abortedIndex, AbortedTxn{
			ProducerID:       completed.ProducerID,
			FirstOffset:      completed.FirstOffset,
			LastOffset:       completed.LastOffset,
			LastStableOffset: lso,
		})
	}
	return nil
}

// checkErrorCount budgets a transient cursor-read or decode failure
// against maxErrorCount. It must never be called with a validationError -
// those are fatal on the first occurrence, handled directly in run.
func (lr *logRecovery) checkErrorCount(cause error) error {
	lr.errorCount++
	lr.mgr.log.Log(pslog.LevelWarn, "recovery read error",
		"partition", lr.mgr.topicPartition, "count", lr.errorCount, "err", cause)
	if lr.errorCount > lr.maxErrorCount {
		return ErrRecoveryFailed
	}
	return nil
}
