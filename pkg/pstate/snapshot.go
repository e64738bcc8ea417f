package pstate

import (
	"context"
	"hash/crc32"

	"github.com/kopbroker/pstate/pkg/kbin"
	"github.com/kopbroker/pstate/pkg/pslog"
)

// Snapshot wire format, big-endian, modeled on the Kafka protocol's
// Struct/Schema encoding conventions (fixed-width header, length-prefixed
// array body):
//
//	offset  size  field
//	  0      2    version   (= snapshotVersion)
//	  2      4    crc32c    (Castagnoli, computed over bytes [entriesOffset:])
//	  6      8    snapshotOffset
//	 14      4    len(entries)
//	 18      *    entries, each:
//	               8   producerID     int64
//	               2   epoch          int16
//	               4   lastSequence   int32
//	               8   lastOffset     int64
//	               4   offsetDelta    int32
//	               8   timestamp      int64
//	               4   coordinatorEpoch int32
//	               8   currentTxnFirstOffset int64 (-1 if none)
const (
	snapshotVersion  int16 = 1
	versionOffset          = 0
	crcOffset              = versionOffset + 2
	entriesOffset          = crcOffset + 4
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// EncodeSnapshot serializes the given producer entries and snapshot offset
// into the binary format above.
func EncodeSnapshot(producers map[int64]*ProducerStateEntry, snapshotOffset int64) []byte {
	buf := make([]byte, 0, entriesOffset+8+4+len(producers)*34)
	buf = kbin.AppendInt16(buf, snapshotVersion)
	buf = kbin.AppendUint32(buf, 0) // crc placeholder, filled in below
	buf = kbin.AppendInt64(buf, snapshotOffset)
	buf = kbin.AppendArrayLen(buf, len(producers))

	for producerID, e := range producers {
		currentTxnFirstOffset := int64(-1)
		if off, ok := e.OpenTxnFirstOffset(); ok {
			currentTxnFirstOffset = off
		}
		buf = kbin.AppendInt64(buf, producerID)
		buf = kbin.AppendInt16(buf, e.ProducerEpoch)
		buf = kbin.AppendInt32(buf, e.LastSeq())
		buf = kbin.AppendInt64(buf, e.LastDataOffset())
		buf = kbin.AppendInt32(buf, e.LastOffsetDelta())
		buf = kbin.AppendInt64(buf, e.LastTimestamp)
		buf = kbin.AppendInt32(buf, e.CoordinatorEpoch)
		buf = kbin.AppendInt64(buf, currentTxnFirstOffset)
	}

	crc := crc32.Checksum(buf[entriesOffset:], crc32c)
	crcBytes := kbin.AppendUint32(nil, crc)
	copy(buf[crcOffset:crcOffset+4], crcBytes)
	return buf
}

// DecodedSnapshot is the result of a successful DecodeSnapshot.
type DecodedSnapshot struct {
	SnapshotOffset int64
	Entries        []*ProducerStateEntry
}

// DecodeSnapshot validates the version and CRC of b and rebuilds the
// producer entries it describes. A restored entry carries at most one
// batch in its history; history does not re-grow until a live append
// occurs (see DESIGN.md).
func DecodeSnapshot(b []byte) (DecodedSnapshot, error) {
	if len(b) < entriesOffset {
		return DecodedSnapshot{}, ErrSnapshotCorrupt
	}

	header := &kbin.Reader{Src: b[:entriesOffset]}
	version := header.Int16()
	storedCRC := header.Uint32()
	if version != snapshotVersion {
		return DecodedSnapshot{}, ErrSnapshotCorrupt
	}

	computedCRC := crc32.Checksum(b[entriesOffset:], crc32c)
	if storedCRC != computedCRC {
		return DecodedSnapshot{}, ErrSnapshotCorrupt
	}

	r := &kbin.Reader{Src: b[entriesOffset:]}
	snapshotOffset := r.Int64()
	n := r.ArrayLen()
	if !r.Ok() {
		return DecodedSnapshot{}, ErrSnapshotCorrupt
	}

	entries := make([]*ProducerStateEntry, 0, n)
	for i := int32(0); i < n; i++ {
		producerID := r.Int64()
		epoch := r.Int16()
		lastSeq := r.Int32()
		lastOffset := r.Int64()
		offsetDelta := r.Int32()
		timestamp := r.Int64()
		coordinatorEpoch := r.Int32()
		currentTxnFirstOffset := r.Int64()
		if !r.Ok() {
			return DecodedSnapshot{}, ErrSnapshotCorrupt
		}

		e := &ProducerStateEntry{
			ProducerID:       producerID,
			ProducerEpoch:    epoch,
			CoordinatorEpoch: coordinatorEpoch,
			LastTimestamp:    timestamp,
		}
		if lastOffset >= 0 {
			e.batches = []BatchMetadata{{LastSeq: lastSeq, LastOffset: lastOffset, OffsetDelta: offsetDelta, Timestamp: timestamp}}
		}
		if currentTxnFirstOffset >= 0 {
			e.setOpenTxn(currentTxnFirstOffset)
		}
		entries = append(entries, e)
	}
	if err := r.Complete(); err != nil {
		return DecodedSnapshot{}, ErrSnapshotCorrupt
	}

	return DecodedSnapshot{SnapshotOffset: snapshotOffset, Entries: entries}, nil
}

// TakeSnapshot serializes the current producer map at its last map offset
// and appends it through the configured SystemTopicClient. Only one
// snapshot write is permitted in flight at a time; concurrent callers
// serialize behind snapshotMu, and a failed write may be retried by
// calling TakeSnapshot again.
func (m *StateManager) TakeSnapshot(ctx context.Context) (MessageID, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}

	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	producers := m.ActiveProducers()
	offset := m.MapEndOffset()
	b := EncodeSnapshot(producers, offset)

	id, err := m.snapshotIO.WriteSnapshot(ctx, b)
	if err != nil {
		m.log.Log(pslog.LevelError, "snapshot write failed", "partition", m.topicPartition, "err", err)
		return nil, err
	}
	return id, nil
}

// loadFromSnapshot reads the last valid snapshot message, if any, and
// installs its non-expired entries. Called only from Recover, before the
// manager reaches READY, so it bypasses requireReady.
func (m *StateManager) loadFromSnapshot(ctx context.Context, nowMs int64) error {
	msg, err := m.snapshotIO.ReadLastValidMessage(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		m.log.Log(pslog.LevelInfo, "no prior snapshot found", "partition", m.topicPartition)
		return nil
	}

	decoded, err := DecodeSnapshot(msg.Value)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range decoded.Entries {
		if !m.isProducerExpired(nowMs, e) {
			m.loadProducerEntry(e)
		}
	}
	m.lastMapOffset = decoded.SnapshotOffset
	return nil
}
