package recordcodec

import (
	"hash/crc32"
	"testing"

	"github.com/kopbroker/pstate/pkg/kbin"
	"github.com/kopbroker/pstate/pkg/pstate"
)

func appendVarint(dst []byte, i int32) []byte {
	u := uint32(i)<<1 ^ uint32(i>>31)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

func appendVarintBytes(dst, b []byte) []byte {
	if b == nil {
		return appendVarint(dst, -1)
	}
	dst = appendVarint(dst, int32(len(b)))
	return append(dst, b...)
}

// buildControlRecord encodes a single control record (an end-transaction
// marker) the way Kafka's ControlRecordType schema does: a 2-field int16
// key (version, type) and a 2-field value (version, coordinatorEpoch).
func buildControlRecord(timestampDelta int32, wireType int16, coordinatorEpoch int32) []byte {
	key := kbin.AppendInt16(nil, 0)
	key = kbin.AppendInt16(key, wireType)
	value := kbin.AppendInt16(nil, 0)
	value = kbin.AppendInt32(value, coordinatorEpoch)

	var body []byte
	body = append(body, 0) // record attributes
	body = appendVarint(body, timestampDelta)
	body = appendVarint(body, 0) // offset delta
	body = appendVarintBytes(body, key)
	body = appendVarintBytes(body, value)
	body = appendVarint(body, 0) // headers count

	var rec []byte
	rec = appendVarint(rec, int32(len(body)))
	return append(rec, body...)
}

// buildBatch encodes one magic-2 record batch around records (an already
// varint-framed records payload, uncompressed), the same wire layout
// decodeBatch parses.
func buildBatch(baseOffset int64, attributes int16, lastOffsetDelta int32, firstTS, maxTS, producerID int64, producerEpoch int16, baseSeq, recordsCount int32, records []byte) []byte {
	var body []byte
	body = kbin.AppendInt32(body, 0) // partitionLeaderEpoch
	body = append(body, 2)           // magic
	crcPos := len(body)
	body = kbin.AppendUint32(body, 0) // crc placeholder
	afterCRC := len(body)
	body = kbin.AppendInt16(body, attributes)
	body = kbin.AppendInt32(body, lastOffsetDelta)
	body = kbin.AppendInt64(body, firstTS)
	body = kbin.AppendInt64(body, maxTS)
	body = kbin.AppendInt64(body, producerID)
	body = kbin.AppendInt16(body, producerEpoch)
	body = kbin.AppendInt32(body, baseSeq)
	body = kbin.AppendInt32(body, recordsCount)
	body = append(body, records...)

	crc := crc32.Checksum(body[afterCRC:], crc32c)
	crcBytes := kbin.AppendUint32(nil, crc)
	copy(body[crcPos:crcPos+4], crcBytes)

	var out []byte
	out = kbin.AppendInt64(out, baseOffset)
	out = kbin.AppendInt32(out, int32(len(body)))
	out = append(out, body...)
	return out
}

func TestDecodeUncompressedControlBatch(t *testing.T) {
	rec := buildControlRecord(5, 0 /* abort */, 99)
	batchBytes := buildBatch(1000, attrIsControlBatch, 0, 500, 505, 42, 3, 0, 1, rec)

	dec := New()
	result, err := dec.Decode([][]byte{batchBytes})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	batches := result.Records.Batches()
	if len(batches) != 1 {
		t.Fatalf("len(batches) = %d, want 1", len(batches))
	}
	b := batches[0]
	if b.ProducerID() != 42 || b.ProducerEpoch() != 3 || b.BaseOffset() != 1000 {
		t.Fatalf("batch header = %+v", b)
	}
	if !b.IsControlBatch() {
		t.Fatal("IsControlBatch() = false, want true")
	}

	cr, ok := b.ControlRecord()
	if !ok {
		t.Fatal("ControlRecord() ok = false, want true")
	}
	if cr.Marker.ControlType != pstate.ControlTypeAbort {
		t.Fatalf("ControlType = %v, want ControlTypeAbort", cr.Marker.ControlType)
	}
	if cr.Marker.CoordinatorEpoch != 99 {
		t.Fatalf("CoordinatorEpoch = %d, want 99", cr.Marker.CoordinatorEpoch)
	}
	if cr.Timestamp != 505 { // firstTimestamp(500) + timestampDelta(5)
		t.Fatalf("Timestamp = %d, want 505", cr.Timestamp)
	}
}

func TestDecodeDataBatchLastSequence(t *testing.T) {
	batchBytes := buildBatch(0, 0, 9, 0, 0, 7, 0, 10, 10, nil)
	dec := New()
	result, err := dec.Decode([][]byte{batchBytes})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	b := result.Records.Batches()[0]
	if b.BaseSequence() != 10 {
		t.Fatalf("BaseSequence() = %d, want 10", b.BaseSequence())
	}
	if b.LastSequence() != 19 {
		t.Fatalf("LastSequence() = %d, want 19", b.LastSequence())
	}
	if b.LastOffset() != 9 {
		t.Fatalf("LastOffset() = %d, want 9", b.LastOffset())
	}
}

func TestDecodeRejectsBadCRC(t *testing.T) {
	batchBytes := buildBatch(0, 0, 0, 0, 0, 1, 0, 0, 0, nil)
	batchBytes[len(batchBytes)-1] ^= 0xff // corrupt a trailing header byte

	dec := New()
	if _, err := dec.Decode([][]byte{batchBytes}); err == nil {
		t.Fatal("Decode with a corrupt crc: want error, got nil")
	}
}

func TestDecodeMultipleBatchesInOneEntry(t *testing.T) {
	first := buildBatch(0, 0, 0, 0, 0, 1, 0, 0, 0, nil)
	second := buildBatch(1, 0, 0, 0, 0, 2, 0, 0, 0, nil)
	entry := append(append([]byte{}, first...), second...)

	dec := New()
	result, err := dec.Decode([][]byte{entry})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	batches := result.Records.Batches()
	if len(batches) != 2 {
		t.Fatalf("len(batches) = %d, want 2", len(batches))
	}
	if batches[0].ProducerID() != 1 || batches[1].ProducerID() != 2 {
		t.Fatalf("batches = %+v, want producers [1, 2] in order", batches)
	}
}
