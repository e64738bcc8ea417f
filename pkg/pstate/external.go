package pstate

import "context"

// The types in this file describe collaborators this package depends on but
// does not implement: wire protocol parsing/dispatch, the log/ledger store,
// and the system-topic snapshot transport. A broker wires concrete
// implementations in; pkg/recordcodec provides a real RecordDecoder for
// tests and for brokers that want one.

// Position identifies a location in a LogStore, opaque to this package.
type Position interface {
	// Compare reports -1/0/1 ordering against another Position from the
	// same LogStore.
	Compare(Position) int
}

// MessageID identifies a message written through a SystemTopicClient,
// returned by a successful snapshot append.
type MessageID interface {
	String() string
}

// RecordBatch is one batch within a decoded record sequence, as surfaced by
// a RecordDecoder.
type RecordBatch interface {
	ProducerID() int64
	ProducerEpoch() int16
	BaseSequence() int32
	LastSequence() int32
	BaseOffset() int64
	LastOffset() int64
	MaxTimestamp() int64
	IsTransactional() bool
	IsControlBatch() bool

	// ControlRecord returns the single control record of a control
	// batch, or ok=false if the batch carries no records (a control
	// batch whose data was compacted away).
	ControlRecord() (ControlRecord, bool)
}

// ControlRecord is the single record inside a control batch: an
// end-transaction marker.
type ControlRecord struct {
	Timestamp int64
	Marker    EndTransactionMarker
}

// ControlType is the kind of end-transaction marker.
type ControlType int8

const (
	ControlTypeCommit ControlType = iota
	ControlTypeAbort
)

// EndTransactionMarker is the control record payload written by the
// transaction coordinator to close out a transaction.
type EndTransactionMarker struct {
	ControlType      ControlType
	CoordinatorEpoch int32
}

// RecordSequence is a decoded sequence of record batches, e.g. the batches
// found in one produce request or one slice of replayed log entries.
type RecordSequence interface {
	Batches() []RecordBatch
}

// DecodeResult is the result of decoding raw log/produce entries into
// record batches.
type DecodeResult struct {
	Records RecordSequence
}

// RecordDecoder turns raw opaque entries (as read from a LogStore cursor,
// or as otherwise supplied by the broker) into record batches. Entries are
// an opaque `[]byte`-like payload; this package does not care what they
// are, only that decoding produces RecordBatch values.
type RecordDecoder interface {
	Decode(entries [][]byte) (DecodeResult, error)
}

// Cursor reads entries forward from a LogStore, used to drive recovery
// replay after a snapshot is loaded.
type Cursor interface {
	// ReadEntries requests up to n entries. ErrNoMoreEntries indicates a
	// clean end of log, distinct from a transient read failure.
	ReadEntries(ctx context.Context, n int) ([][]byte, error)
}

// ErrNoMoreEntries is returned by Cursor.ReadEntries when the log has no
// further entries to read; LogRecovery treats this as a normal completion,
// not a transient error.
var ErrNoMoreEntries = &Error{"no more entries to read", false}

// LogStore is the opaque underlying log/ledger storage that owns durable
// offsets and positions.
type LogStore interface {
	// FindPosition resolves the position of the first entry at or after
	// offset.
	FindPosition(ctx context.Context, offset int64) (Position, error)

	// NewCursor opens a non-durable cursor positioned at pos, named for
	// diagnostics.
	NewCursor(ctx context.Context, pos Position, name string) (Cursor, error)
}

// SnapshotMessage is one message read back from the snapshot system topic.
type SnapshotMessage struct {
	ID    MessageID
	Value []byte
}

// SnapshotWriter appends snapshot bytes to the system topic.
type SnapshotWriter interface {
	WriteSnapshot(ctx context.Context, b []byte) (MessageID, error)
}

// SnapshotReader reads the most recent valid snapshot message.
type SnapshotReader interface {
	// ReadLastValidMessage returns (nil, nil) if no snapshot has ever
	// been written.
	ReadLastValidMessage(ctx context.Context) (*SnapshotMessage, error)
}

// SystemTopicClient provides the append-only writer and last-message reader
// a StateManager uses for snapshot persistence.
type SystemTopicClient interface {
	SnapshotWriter
	SnapshotReader
}
