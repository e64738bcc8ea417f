package pstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kopbroker/pstate/internal/txnindex"
	"github.com/kopbroker/pstate/pkg/pslog"
)

// LifecycleState is the manager's recovery state machine.
type LifecycleState int8

const (
	StateInit LifecycleState = iota
	StateRecovering
	StateReady
	StateRecoverError
)

func (s LifecycleState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRecovering:
		return "RECOVERING"
	case StateReady:
		return "READY"
	case StateRecoverError:
		return "RECOVER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Opt configures a StateManager at construction.
type Opt interface{ apply(*cfg) }

type managerOpt struct{ fn func(*cfg) }

func (o managerOpt) apply(c *cfg) { o.fn(c) }

type cfg struct {
	maxProducerIDExpiration time.Duration
	cacheQueueSize          int
	maxRecoveryErrors       int
	logger                  pslog.Logger
}

func defaultCfg() cfg {
	return cfg{
		maxProducerIDExpiration: 15 * time.Minute,
		cacheQueueSize:          100,
		maxRecoveryErrors:       10,
		logger:                  pslog.Nop,
	}
}

// MaxProducerIDExpiration bounds how long an idle producer (no in-flight
// transaction) is retained before RemoveExpiredProducers drops it.
func MaxProducerIDExpiration(d time.Duration) Opt {
	return managerOpt{func(c *cfg) { c.maxProducerIDExpiration = d }}
}

// CacheQueueSize bounds how many log entries LogRecovery buffers ahead of
// processing during replay.
func CacheQueueSize(n int) Opt {
	return managerOpt{func(c *cfg) { c.cacheQueueSize = n }}
}

// MaxRecoveryErrors bounds how many transient read failures LogRecovery
// tolerates before giving up and transitioning to RECOVER_ERROR.
func MaxRecoveryErrors(n int) Opt {
	return managerOpt{func(c *cfg) { c.maxRecoveryErrors = n }}
}

// WithLogger installs a logger for lifecycle, recovery, and snapshot
// events. Defaults to a no-op logger.
func WithLogger(l pslog.Logger) Opt {
	return managerOpt{func(c *cfg) { c.logger = pslog.Wrap(l) }}
}

// StateManager owns a single partition's producer map, in-flight
// transaction index, aborted transaction index, and recovery/snapshot
// lifecycle.
//
// producers is guarded by mu alongside ongoingTxns, abortedIndex,
// lastMapOffset, and state, following the design notes' "single
// manager-level monitor" model: Update, CompleteTxn, UpdateMapEndOffset,
// and Truncate serialize through it, while AnalyzeAndValidate only reads.
type StateManager struct {
	topicPartition string
	cfg            cfg
	log            pslog.Logger

	logStore   LogStore
	snapshotIO SystemTopicClient
	decoder    RecordDecoder

	mu            sync.Mutex
	producers     map[int64]*ProducerStateEntry
	ongoingTxns   txnindex.Index
	abortedIndex  []AbortedTxn
	lastMapOffset int64
	state         LifecycleState

	snapshotMu sync.Mutex // serializes takeSnapshot, per §4.4 "single in-flight"
}

// New constructs a StateManager in the INIT lifecycle state. Recover must
// be called, and must succeed, before Analyze/Update/CompleteTxn/
// TakeSnapshot are permitted.
func New(topicPartition string, logStore LogStore, snapshotIO SystemTopicClient, decoder RecordDecoder, opts ...Opt) *StateManager {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	return &StateManager{
		topicPartition: topicPartition,
		cfg:            c,
		log:            pslog.Wrap(c.logger),
		logStore:       logStore,
		snapshotIO:     snapshotIO,
		decoder:        decoder,
		producers:      make(map[int64]*ProducerStateEntry),
		state:          StateInit,
	}
}

// State returns the current lifecycle state.
func (m *StateManager) State() LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateManager) requireReady() error {
	if m.State() != StateReady {
		return ErrNotReady
	}
	return nil
}

// lastEntry returns the current entry for producerID, if any.
func (m *StateManager) lastEntry(producerID int64) (*ProducerStateEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.producers[producerID]
	return e, ok
}

// PrepareUpdate stages a new ProducerAppendInfo seeded from the producer's
// current entry (or an empty entry, for a first-seen producer id).
func (m *StateManager) PrepareUpdate(producerID int64, origin AppendOrigin) *ProducerAppendInfo {
	current, ok := m.lastEntry(producerID)
	if !ok {
		current = emptyProducerStateEntry(producerID)
	}
	return newProducerAppendInfo(m.topicPartition, producerID, current, origin)
}

// AnalyzeAndValidate analyzes a batch sequence against current producer
// state without mutating it. It probes for an exact-duplicate batch first
// (short-circuiting the whole sequence, matching the teacher's contract
// that client retries of already-appended batches return early), then
// stages a ProducerAppendInfo per distinct producer id and folds each
// batch into it.
func (m *StateManager) AnalyzeAndValidate(records RecordSequence, firstOffset *int64, origin AppendOrigin) (AnalyzeResult, error) {
	if err := m.requireReady(); err != nil {
		return AnalyzeResult{}, err
	}

	infos := make(map[int64]*ProducerAppendInfo)
	var completed []CompletedTxn

	for _, batch := range records.Batches() {
		producerID := batch.ProducerID()
		if producerID == NoProducerID {
			continue
		}

		// Control batches are never retained in a producer's batch
		// history, so they are not probed for duplicates.
		if last, ok := m.lastEntry(producerID); ok && !batch.IsControlBatch() {
			if dup, found := last.findDuplicateBatch(batch.ProducerEpoch(), batch.BaseSequence(), batch.LastSequence()); found {
				return AnalyzeResult{
					AppendInfoByProducer: infos,
					CompletedTxns:        completed,
					Duplicate:            &dup,
				}, nil
			}
		}

		info, ok := infos[producerID]
		if !ok {
			info = m.PrepareUpdate(producerID, origin)
			infos[producerID] = info
		}
		ctxn, err := info.Append(batch, firstOffset)
		if err != nil {
			return AnalyzeResult{}, err
		}
		if ctxn != nil {
			completed = append(completed, *ctxn)
		}
	}

	return AnalyzeResult{AppendInfoByProducer: infos, CompletedTxns: completed}, nil
}

// Update installs or merges appendInfo's staged entry into the producer
// map and registers any transactions it started.
func (m *StateManager) Update(info *ProducerAppendInfo) error {
	if info.producerID == NoProducerID {
		return fmt.Errorf("%w: invalid producer id passed to update for partition %s", ErrIllegalState, m.topicPartition)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReadyLocked(); err != nil {
		return err
	}

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

func (m *StateManager) requireReadyLocked() error {
	if m.state != StateReady {
		return ErrNotReady
	}
	return nil
}

// CompleteTxn removes the completed transaction from the ongoing index and,
// if aborted, appends an AbortedTxn to the aborted index using
// lastStableOffsetLocked computed before removal semantics changed.
func (m *StateManager) CompleteTxn(completed CompletedTxn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireReadyLocked(); err != nil {
		return err
	}

	lso := m.lastStableOffsetLocked(completed)

	txn := m.ongoingTxns.Remove(completed.FirstOffset)
	if txn == nil {
		return fmt.Errorf("%w: attempted to complete transaction %+v on partition %s which was not started",
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

// LastStableOffset computes, but does not apply, the LSO a completed
// transaction would produce: the first offset of the earliest still-open
// transaction belonging to a different producer, or completed.LastOffset+1
// if none remain open.
func (m *StateManager) LastStableOffset(completed CompletedTxn) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStableOffsetLocked(completed)
}

func (m *StateManager) lastStableOffsetLocked(completed CompletedTxn) int64 {
	var lso int64 = completed.LastOffset + 1
	m.ongoingTxns.Ascend(func(t *txnindex.Txn) bool {
		if t.ProducerID != completed.ProducerID {
			lso = t.FirstOffset
			return false
		}
		return true
	})
	return lso
}

// FirstUndecidedOffset returns the first offset of the earliest in-flight
// transaction, if any.
func (m *StateManager) FirstUndecidedOffset() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	head := m.ongoingTxns.Min()
	if head == nil {
		return 0, false
	}
	return head.FirstOffset, true
}

// AbortedIndexList returns every aborted transaction whose last offset is
// at or beyond fetchOffset, in completion order, as the wire element a
// fetch response surfaces to consumers.
func (m *StateManager) AbortedIndexList(fetchOffset int64) []AbortedTxnRef {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AbortedTxnRef
	for _, a := range m.abortedIndex {
		if a.LastOffset >= fetchOffset {
			out = append(out, AbortedTxnRef{ProducerID: a.ProducerID, FirstOffset: a.FirstOffset})
		}
	}
	return out
}

func (m *StateManager) isProducerExpired(nowMs int64, e *ProducerStateEntry) bool {
	_, open := e.OpenTxnFirstOffset()
	return !open && nowMs-e.LastTimestamp >= m.cfg.maxProducerIDExpiration.Milliseconds()
}

// RemoveExpiredProducers drops idle producers (no in-flight transaction,
// idle at least maxProducerIDExpiration) as of nowMs.
func (m *StateManager) RemoveExpiredProducers(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.producers {
		if m.isProducerExpired(nowMs, e) {
			delete(m.producers, id)
			m.log.Log(pslog.LevelDebug, "expired idle producer", "partition", m.topicPartition, "producerID", id)
		}
	}
}

// UpdateMapEndOffset records the highest log offset already reflected in
// the producer map, i.e. the checkpoint the next snapshot will cover.
func (m *StateManager) UpdateMapEndOffset(offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMapOffset = offset
}

// MapEndOffset returns the last offset reflected in the producer map.
func (m *StateManager) MapEndOffset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastMapOffset
}

// ActiveProducers returns a copy of the producer map. The entry values are
// the manager's own pointers, not copies of the entries.
func (m *StateManager) ActiveProducers() map[int64]*ProducerStateEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]*ProducerStateEntry, len(m.producers))
	for k, v := range m.producers {
		out[k] = v
	}
	return out
}

// Truncate clears the producer map and ongoing transaction index and
// resets the map end offset to zero. The aborted index is left untouched
// on purpose; see the first Open Question decision in DESIGN.md.
func (m *StateManager) Truncate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers = make(map[int64]*ProducerStateEntry)
	m.ongoingTxns.Clear()
	m.lastMapOffset = 0
}

// loadProducerEntry installs a restored entry and, if it carries an open
// transaction, re-registers that transaction in the ongoing index. Callers
// must hold mu.
func (m *StateManager) loadProducerEntry(e *ProducerStateEntry) {
	m.producers[e.ProducerID] = e
	if off, ok := e.OpenTxnFirstOffset(); ok {
		m.ongoingTxns.Put(&txnindex.Txn{ProducerID: e.ProducerID, FirstOffset: off})
	}
}

// Recover drives the manager from INIT through RECOVERING to READY (or
// RECOVER_ERROR): it loads the last snapshot, positions a cursor just past
// the snapshot's offset, and replays the log from there. READY and
// RECOVER_ERROR are terminal: a second call returns immediately (success
// or the original failure) without re-running recovery.
func (m *StateManager) Recover(ctx context.Context, nowMs int64) error {
	switch m.State() {
	case StateReady:
		return nil
	case StateRecoverError:
		return fmt.Errorf("%w: partition %s previously failed to recover", ErrRecoveryFailed, m.topicPartition)
	}

	m.mu.Lock()
	m.state = StateRecovering
	m.mu.Unlock()
	m.log.Log(pslog.LevelInfo, "starting recovery", "partition", m.topicPartition)

	if err := m.loadFromSnapshot(ctx, nowMs); err != nil {
		m.failRecovery(err)
		return err
	}

	pos, err := m.logStore.FindPosition(ctx, m.MapEndOffset())
	if err != nil {
		m.failRecovery(err)
		return err
	}
	cursor, err := m.logStore.NewCursor(ctx, pos, "producer-state-recover")
	if err != nil {
		m.failRecovery(err)
		return err
	}

	recovery := newLogRecovery(m, cursor, m.cfg.cacheQueueSize, m.cfg.maxRecoveryErrors)
	if err := recovery.run(ctx); err != nil {
		m.failRecovery(err)
		return err
	}

	m.mu.Lock()
	m.state = StateReady
	m.mu.Unlock()
	m.log.Log(pslog.LevelInfo, "recovery complete", "partition", m.topicPartition)
	return nil
}

func (m *StateManager) failRecovery(err error) {
	m.mu.Lock()
	m.state = StateRecoverError
	m.mu.Unlock()
	m.log.Log(pslog.LevelError, "recovery failed", "partition", m.topicPartition, "err", err)
}
