package recordcodec

import (
	"github.com/kopbroker/pstate/pkg/pstate"
)

// Decoder implements pstate.RecordDecoder over raw Kafka protocol record
// batches (magic 2), the wire format written by any client or broker since
// Kafka 0.11. It pools the stateful codec readers used for batches
// compressed with gzip or lz4, and the zstd decoder, so repeated Decode
// calls on one Decoder don't reallocate them per batch.
type Decoder struct {
	decomp *decompressor
}

// New returns a ready-to-use Decoder.
func New() *Decoder {
	return &Decoder{decomp: newDecompressor()}
}

// sequence is the concrete pstate.RecordSequence returned by Decode.
type sequence struct {
	batches []pstate.RecordBatch
}

func (s sequence) Batches() []pstate.RecordBatch { return s.batches }

// Decode parses entries, each one an opaque chunk of the log or a produce
// request's record batch payload, into the record batches it contains. A
// single entry may itself hold more than one batch back-to-back (as a
// fetch response partition's RecordBatches field does); Decode walks each
// entry to its end rather than assuming one batch per entry.
func (d *Decoder) Decode(entries [][]byte) (pstate.DecodeResult, error) {
	var batches []pstate.RecordBatch
	for _, entry := range entries {
		in := entry
		for len(in) > 12 {
			b, n, err := decodeBatch(in, d.decomp)
			if err != nil {
				return pstate.DecodeResult{}, err
			}
			batches = append(batches, b)
			in = in[n:]
		}
	}
	return pstate.DecodeResult{Records: sequence{batches: batches}}, nil
}
