// Package pstate implements a per-partition producer-state manager for a
// Kafka-protocol broker: per-producer batch/sequence deduplication, the
// in-flight transaction index, last-stable-offset computation, the aborted
// transaction index surfaced on fetch, and snapshot/replay persistence
// across broker restarts.
//
// The broker's wire protocol parsing, the underlying log store, and
// authorization are out of scope and are represented here only as the
// interfaces in external.go.
package pstate

import "math"

// Sentinel values, mirroring the Kafka protocol's reserved "none" markers.
// ProducerID is int64, ProducerEpoch is int16, Sequence is int32, and
// Offset/Timestamp are int64; these are left as plain Go numeric types
// rather than named wrappers since they interoperate directly with offset
// and timestamp arithmetic throughout this package.
const (
	NoProducerID    int64 = -1
	NoProducerEpoch int16 = -1
	NoSequence      int32 = -1
	NoTimestamp     int64 = -1

	// MaxSequence is the largest valid sequence number; its successor
	// wraps to 0.
	MaxSequence int32 = math.MaxInt32

	// NumBatchesToRetain bounds the per-producer batch history used for
	// duplicate detection.
	NumBatchesToRetain = 5
)

// AppendOrigin marks where an appended batch sequence came from, which
// determines whether client sequence validation applies.
type AppendOrigin int8

const (
	// OriginCoordinator is a batch written by the transaction
	// coordinator, e.g. an end-transaction marker.
	OriginCoordinator AppendOrigin = iota
	// OriginClient is a batch produced directly by a client; only
	// client-origin batches are sequence-validated.
	OriginClient
	// OriginLog is a batch read back from the log during recovery
	// replay; sequence validation is skipped since the log is assumed
	// durable truth.
	OriginLog
)

func (o AppendOrigin) String() string {
	switch o {
	case OriginCoordinator:
		return "coordinator"
	case OriginClient:
		return "client"
	case OriginLog:
		return "log"
	default:
		return "unknown"
	}
}

// inSequence reports whether nextSeq immediately follows lastSeq, honoring
// int32 wraparound at MaxSequence.
func inSequence(lastSeq, nextSeq int32) bool {
	return nextSeq == lastSeq+1 || (nextSeq == 0 && lastSeq == MaxSequence)
}

// decrementSequence computes seq - delta with int32 wraparound, used to
// derive a batch's first sequence from its last sequence and offset delta.
func decrementSequence(seq, delta int32) int32 {
	if seq < delta {
		return math.MaxInt32 - (delta - seq) + 1
	}
	return seq - delta
}
