// Package pstatetest provides in-memory fakes for the collaborator
// interfaces pstate.StateManager depends on (LogStore, SystemTopicClient),
// modeled on the lightweight fake broker the teacher ships for its own
// client tests: enough behavior to drive Recover and TakeSnapshot through
// their real code paths without a running Kafka-protocol broker.
package pstatetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kopbroker/pstate/pkg/pstate"
)

// position is a fake pstate.Position: just an index into a LogStore's
// entries slice.
type position int64

func (p position) Compare(other pstate.Position) int {
	o := other.(position)
	switch {
	case p < o:
		return -1
	case p > o:
		return 1
	default:
		return 0
	}
}

// LogStore is an in-memory pstate.LogStore: a flat, append-only slice of
// raw entries, each one assumed to already be a complete encoded record
// batch (or batches) ready for a RecordDecoder.
type LogStore struct {
	mu      sync.Mutex
	entries [][]byte
}

// Append adds an entry to the end of the log, returning its offset.
func (s *LogStore) Append(entry []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	off := int64(len(s.entries))
	s.entries = append(s.entries, entry)
	return off
}

// FindPosition resolves offset to a position, clamping to the end of the
// log if offset is beyond it (the same behavior a broker needs when a
// snapshot checkpoint is already caught up).
func (s *LogStore) FindPosition(_ context.Context, offset int64) (pstate.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	if offset > int64(len(s.entries)) {
		offset = int64(len(s.entries))
	}
	return position(offset), nil
}

// NewCursor opens a cursor that reads forward from pos to the current end
// of the log. Entries appended after the cursor is opened are not visible,
// matching a non-durable point-in-time replay cursor.
func (s *LogStore) NewCursor(_ context.Context, pos pstate.Position, name string) (pstate.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := int64(pos.(position))
	snapshot := make([][]byte, len(s.entries))
	copy(snapshot, s.entries)
	return &cursor{name: name, entries: snapshot, next: start}, nil
}

type cursor struct {
	name    string
	entries [][]byte
	next    int64
}

func (c *cursor) ReadEntries(ctx context.Context, n int) ([][]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if c.next >= int64(len(c.entries)) {
		return nil, pstate.ErrNoMoreEntries
	}
	end := c.next + int64(n)
	if end > int64(len(c.entries)) {
		end = int64(len(c.entries))
	}
	out := c.entries[c.next:end]
	c.next = end
	return out, nil
}

// messageID is a fake pstate.MessageID: a monotonic sequence number.
type messageID int64

func (m messageID) String() string { return fmt.Sprintf("fake-msg-%d", m) }

// SystemTopicClient is an in-memory pstate.SystemTopicClient: it keeps only
// the most recently written snapshot, since that is all ReadLastValidMessage
// ever needs to return.
type SystemTopicClient struct {
	mu   sync.Mutex
	seq  int64
	last *pstate.SnapshotMessage
}

func (c *SystemTopicClient) WriteSnapshot(_ context.Context, b []byte) (pstate.MessageID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := messageID(c.seq)
	cp := make([]byte, len(b))
	copy(cp, b)
	c.last = &pstate.SnapshotMessage{ID: id, Value: cp}
	return id, nil
}

func (c *SystemTopicClient) ReadLastValidMessage(_ context.Context) (*pstate.SnapshotMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, nil
}

// Batch is a hand-built pstate.RecordBatch for tests that want to drive
// AnalyzeAndValidate/Append directly without round-tripping through the
// wire codec in pkg/recordcodec.
type Batch struct {
	PID           int64
	Epoch         int16
	FirstSeq      int32
	LastSeq       int32
	First         int64
	Last          int64
	MaxTS         int64
	Transactional bool
	Control       bool
	Marker        *pstate.EndTransactionMarker // only read if Control
}

func (b Batch) ProducerID() int64     { return b.PID }
func (b Batch) ProducerEpoch() int16  { return b.Epoch }
func (b Batch) BaseSequence() int32   { return b.FirstSeq }
func (b Batch) LastSequence() int32   { return b.LastSeq }
func (b Batch) BaseOffset() int64     { return b.First }
func (b Batch) LastOffset() int64     { return b.Last }
func (b Batch) MaxTimestamp() int64   { return b.MaxTS }
func (b Batch) IsTransactional() bool { return b.Transactional }
func (b Batch) IsControlBatch() bool  { return b.Control }

func (b Batch) ControlRecord() (pstate.ControlRecord, bool) {
	if b.Marker == nil {
		return pstate.ControlRecord{}, false
	}
	return pstate.ControlRecord{Timestamp: b.MaxTS, Marker: *b.Marker}, true
}

// Sequence is a fixed pstate.RecordSequence over a literal slice of
// batches.
type Sequence []pstate.RecordBatch

func (s Sequence) Batches() []pstate.RecordBatch { return s }
