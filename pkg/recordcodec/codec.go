// Package recordcodec decodes Kafka protocol record batches (magic 2) into
// the pstate.RecordBatch/RecordSequence shapes that StateManager consumes.
// It gives pstate's abstract RecordDecoder a concrete body: brokers that
// already parse batches for other reasons are free to implement
// pstate.RecordDecoder directly and skip this package, but pstate itself
// never assumes there is only one implementation.
package recordcodec

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compression codec ids, packed into the low 3 bits of a batch's attributes
// field.
const (
	codecNone byte = iota
	codecGzip
	codecSnappy
	codecLZ4
	codecZstd
)

var crc32c = crc32.MakeTable(crc32.Castagnoli)

var xerialPfx = []byte{0x82, 'S', 'N', 'A', 'P', 'P', 'Y', 0}

// decompressor pools the stateful readers each codec needs so a Decoder
// can be reused across many Decode calls without reallocating them per
// batch.
type decompressor struct {
	zstdOnce sync.Once
	zstdDec  *zstd.Decoder
	gzPool   sync.Pool
	lz4Pool  sync.Pool
}

func newDecompressor() *decompressor {
	return &decompressor{
		gzPool: sync.Pool{New: func() any { return new(gzip.Reader) }},
		lz4Pool: sync.Pool{New: func() any { return lz4.NewReader(nil) }},
	}
}

func (d *decompressor) decompress(src []byte, codec byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return src, nil
	case codecGzip:
		gz := d.gzPool.Get().(*gzip.Reader)
		defer d.gzPool.Put(gz)
		if err := gz.Reset(bytes.NewReader(src)); err != nil {
			return nil, err
		}
		return io.ReadAll(gz)
	case codecSnappy:
		if len(src) > 16 && bytes.HasPrefix(src, xerialPfx) {
			return xerialDecode(src)
		}
		return snappy.Decode(nil, src)
	case codecLZ4:
		r := d.lz4Pool.Get().(*lz4.Reader)
		defer d.lz4Pool.Put(r)
		r.Reset(bytes.NewReader(src))
		return io.ReadAll(r)
	case codecZstd:
		d.zstdOnce.Do(func() { d.zstdDec, _ = zstd.NewReader(nil) })
		return d.zstdDec.DecodeAll(src, nil)
	default:
		return nil, fmt.Errorf("recordcodec: unknown compression codec %d", codec)
	}
}

// xerialDecode unframes the block format the old Java/Scala Snappy codec
// used before raw block compression became the default: an 8 byte magic,
// an 8 byte version pair, then a stream of (uint32 length, snappy block)
// chunks.
func xerialDecode(src []byte) ([]byte, error) {
	src = src[16:]
	var dst, chunk []byte
	for len(src) > 0 {
		if len(src) < 4 {
			return nil, fmt.Errorf("recordcodec: truncated xerial framing")
		}
		size := binary.BigEndian.Uint32(src)
		src = src[4:]
		if uint64(len(src)) < uint64(size) {
			return nil, fmt.Errorf("recordcodec: truncated xerial chunk")
		}
		var err error
		if chunk, err = snappy.Decode(chunk[:cap(chunk)], src[:size]); err != nil {
			return nil, err
		}
		src = src[size:]
		dst = append(dst, chunk...)
	}
	return dst, nil
}
