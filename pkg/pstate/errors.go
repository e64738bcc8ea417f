package pstate

import "fmt"

// Error is a named pstate error, modeled on the {Message, Code, Retriable}
// shape Kafka client libraries use for protocol errors, minus the wire
// error code since no wire protocol is parsed here.
type Error struct {
	Message   string
	Retriable bool
}

func (e *Error) Error() string { return e.Message }

var (
	// ErrInvalidProducerEpoch is returned when an incoming batch's epoch
	// is lower than the producer's last-seen epoch. The client should
	// bump its epoch and retry.
	ErrInvalidProducerEpoch = &Error{"producer epoch is lower than the last seen epoch", true}

	// ErrOutOfOrderSequence is returned when a client-origin batch's
	// first sequence does not follow the producer's last accepted
	// sequence. Fatal for the in-flight transaction, if any.
	ErrOutOfOrderSequence = &Error{"out of order sequence number", false}

	// ErrInvalidTxnState is returned when a non-transactional batch
	// arrives while a transaction is open for the producer.
	ErrInvalidTxnState = &Error{"invalid transaction state", false}

	// ErrSnapshotCorrupt is returned when a snapshot fails its version
	// check or CRC check on decode.
	ErrSnapshotCorrupt = &Error{"snapshot is corrupt", false}

	// ErrIllegalState is returned for programmer errors: completing an
	// unknown transaction, or updating with no producer ID. These are
	// not recoverable at runtime.
	ErrIllegalState = &Error{"illegal producer state manager usage", false}

	// ErrRecoveryFailed is returned when log replay exhausts its
	// transient-error budget.
	ErrRecoveryFailed = &Error{"producer state recovery failed", false}

	// ErrNotReady is returned when an operation that requires the READY
	// state is invoked from any other lifecycle state.
	ErrNotReady = &Error{"producer state manager is not ready", true}
)

// invalidEpochError reports the specific epoch mismatch for an
// ErrInvalidProducerEpoch failure.
type invalidEpochError struct {
	topicPartition string
	got, last      int16
}

func (e *invalidEpochError) Error() string {
	return fmt.Sprintf("producer's epoch in %s is %d, which is smaller than the last seen epoch %d",
		e.topicPartition, e.got, e.last)
}

func (e *invalidEpochError) Unwrap() error { return ErrInvalidProducerEpoch }

type outOfOrderSequenceError struct {
	topicPartition   string
	producerID       int64
	incomingFirstSeq int32
	currentLastSeq   int32
}

func (e *outOfOrderSequenceError) Error() string {
	return fmt.Sprintf("out of order sequence number for producer %d in partition %s: %d (incoming), %d (current end)",
		e.producerID, e.topicPartition, e.incomingFirstSeq, e.currentLastSeq)
}

func (e *outOfOrderSequenceError) Unwrap() error { return ErrOutOfOrderSequence }

type invalidTxnStateError struct {
	topicPartition string
	producerID     int64
	firstOffset    int64
}

func (e *invalidTxnStateError) Error() string {
	return fmt.Sprintf("expected transactional write from producer %d at offset %d in partition %s",
		e.producerID, e.firstOffset, e.topicPartition)
}

func (e *invalidTxnStateError) Unwrap() error { return ErrInvalidTxnState }
