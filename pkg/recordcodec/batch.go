package recordcodec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/kopbroker/pstate/pkg/kbin"
	"github.com/kopbroker/pstate/pkg/pstate"
)

// batch attribute bits, low three bits give the compression codec.
const (
	attrCompressionMask = 0x0007
	attrTimestampType   = 0x0008
	attrIsTransactional = 0x0010
	attrIsControlBatch  = 0x0020
)

// batch is one decoded Kafka record batch (magic 2). It satisfies
// pstate.RecordBatch by reporting header fields only; the underlying
// records are decompressed and walked lazily by ControlRecord, since
// pstate never needs a data batch's individual records, only its header.
type batch struct {
	baseOffset           int64
	partitionLeaderEpoch int32
	attributes           int16
	lastOffsetDelta      int32
	firstTimestamp       int64
	maxTimestamp         int64
	producerID           int64
	producerEpoch        int16
	baseSequence         int32
	recordsCount         int32
	rawRecords           []byte // still compressed
	decomp               *decompressor
}

func (b *batch) ProducerID() int64    { return b.producerID }
func (b *batch) ProducerEpoch() int16 { return b.producerEpoch }
func (b *batch) BaseSequence() int32  { return b.baseSequence }

func (b *batch) LastSequence() int32 {
	if b.recordsCount == 0 {
		return b.baseSequence
	}
	return incrementSequence(b.baseSequence, b.recordsCount-1)
}

func (b *batch) BaseOffset() int64    { return b.baseOffset }
func (b *batch) LastOffset() int64    { return b.baseOffset + int64(b.lastOffsetDelta) }
func (b *batch) MaxTimestamp() int64  { return b.maxTimestamp }

func (b *batch) IsTransactional() bool { return b.attributes&attrIsTransactional != 0 }
func (b *batch) IsControlBatch() bool  { return b.attributes&attrIsControlBatch != 0 }

func (b *batch) codec() byte { return byte(b.attributes & attrCompressionMask) }

// ControlRecord decompresses and parses the batch's single record as an
// end-transaction marker. It returns ok=false when the header records no
// records (a control batch whose record was compacted out of the log),
// when the payload is empty or fails to decompress, or when the first
// record does not parse as a control record.
func (b *batch) ControlRecord() (pstate.ControlRecord, bool) {
	if b.recordsCount == 0 {
		return pstate.ControlRecord{}, false
	}
	raw, err := b.decomp.decompress(b.rawRecords, b.codec())
	if err != nil || len(raw) == 0 {
		return pstate.ControlRecord{}, false
	}

	r := &kbin.Reader{Src: raw}
	r.Varint() // record length, unused: we only need the first record
	r.Int8()   // record attributes, unused
	timestampDelta := r.Varint()
	r.Varint() // offset delta, unused: BaseOffset()/LastOffset() cover this
	key := r.VarintBytes()
	value := r.VarintBytes()
	if !r.Ok() || len(key) < 4 || len(value) < 6 {
		return pstate.ControlRecord{}, false
	}

	keyReader := &kbin.Reader{Src: key}
	keyReader.Int16() // control record key version, unused
	wireType := keyReader.Int16()

	valueReader := &kbin.Reader{Src: value}
	valueReader.Int16() // control record value version, unused
	coordinatorEpoch := valueReader.Int32()

	return pstate.ControlRecord{
		Timestamp: b.firstTimestamp + int64(timestampDelta),
		Marker: pstate.EndTransactionMarker{
			ControlType:      controlType(wireType),
			CoordinatorEpoch: coordinatorEpoch,
		},
	}, true
}

// controlType maps the wire-level control record type (0 = abort, 1 =
// commit, per the Kafka protocol's ControlRecordType) onto pstate's enum,
// which is ordered independently.
func controlType(wire int16) pstate.ControlType {
	if wire == 0 {
		return pstate.ControlTypeAbort
	}
	return pstate.ControlTypeCommit
}

func incrementSequence(seq, delta int32) int32 {
	if seq > pstate.MaxSequence-delta {
		return delta - (pstate.MaxSequence - seq) - 1
	}
	return seq + delta
}

// decodeBatch parses one record batch from the front of in, returning the
// batch and the number of bytes it consumed (its own length field plus the
// 12 leading bytes: the base offset and length field itself are not
// included in the length count).
func decodeBatch(in []byte, decomp *decompressor) (*batch, int, error) {
	if len(in) < 12 {
		return nil, 0, kbin.ErrNotEnoughData
	}
	length := int32(binary.BigEndian.Uint32(in[8:12]))
	total := int(length) + 12
	if total < 12 || len(in) < total {
		return nil, 0, kbin.ErrNotEnoughData
	}

	r := &kbin.Reader{Src: in[:total]}
	baseOffset := r.Int64()
	r.Int32() // batch length, already consumed above
	partitionLeaderEpoch := r.Int32()
	magic := r.Int8()
	if magic != 2 {
		return nil, 0, fmt.Errorf("recordcodec: unsupported record batch magic %d", magic)
	}
	storedCRC := r.Uint32()

	crcBody := in[21:total]
	if computed := crc32.Checksum(crcBody, crc32c); computed != storedCRC {
		return nil, 0, fmt.Errorf("recordcodec: record batch crc mismatch: stored %x computed %x", storedCRC, computed)
	}

	b := &batch{
		baseOffset:           baseOffset,
		partitionLeaderEpoch: partitionLeaderEpoch,
		decomp:               decomp,
	}
	b.attributes = r.Int16()
	b.lastOffsetDelta = r.Int32()
	b.firstTimestamp = r.Int64()
	b.maxTimestamp = r.Int64()
	b.producerID = r.Int64()
	b.producerEpoch = r.Int16()
	b.baseSequence = r.Int32()
	b.recordsCount = r.Int32()
	b.rawRecords = r.Span(len(r.Src))
	if !r.Ok() {
		return nil, 0, kbin.ErrNotEnoughData
	}

	return b, total, nil
}
