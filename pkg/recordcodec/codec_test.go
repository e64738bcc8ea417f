package recordcodec

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

func TestDecompressNone(t *testing.T) {
	d := newDecompressor()
	got, err := d.decompress([]byte("hello"), codecNone)
	if err != nil || string(got) != "hello" {
		t.Fatalf("decompress(codecNone) = (%q, %v)", got, err)
	}
}

func TestDecompressGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("hello gzip"))
	gz.Close()

	d := newDecompressor()
	got, err := d.decompress(buf.Bytes(), codecGzip)
	if err != nil {
		t.Fatalf("decompress(codecGzip): %v", err)
	}
	if string(got) != "hello gzip" {
		t.Fatalf("decompress(codecGzip) = %q, want %q", got, "hello gzip")
	}
}

func TestDecompressSnappyRawBlock(t *testing.T) {
	src := snappy.Encode(nil, []byte("hello snappy"))
	d := newDecompressor()
	got, err := d.decompress(src, codecSnappy)
	if err != nil {
		t.Fatalf("decompress(codecSnappy): %v", err)
	}
	if string(got) != "hello snappy" {
		t.Fatalf("decompress(codecSnappy) = %q, want %q", got, "hello snappy")
	}
}

func TestDecompressSnappyXerialFramed(t *testing.T) {
	chunk := snappy.Encode(nil, []byte("framed snappy"))
	var framed []byte
	framed = append(framed, xerialPfx...)
	framed = append(framed, 0, 0, 0, 0, 0, 0, 0, 0) // xerial version pair, unchecked
	framed = append(framed, byte(len(chunk)>>24), byte(len(chunk)>>16), byte(len(chunk)>>8), byte(len(chunk)))
	framed = append(framed, chunk...)

	d := newDecompressor()
	got, err := d.decompress(framed, codecSnappy)
	if err != nil {
		t.Fatalf("decompress(codecSnappy, xerial-framed): %v", err)
	}
	if string(got) != "framed snappy" {
		t.Fatalf("decompress(codecSnappy, xerial-framed) = %q, want %q", got, "framed snappy")
	}
}

func TestDecompressLZ4(t *testing.T) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	w.Write([]byte("hello lz4"))
	w.Close()

	d := newDecompressor()
	got, err := d.decompress(buf.Bytes(), codecLZ4)
	if err != nil {
		t.Fatalf("decompress(codecLZ4): %v", err)
	}
	if string(got) != "hello lz4" {
		t.Fatalf("decompress(codecLZ4) = %q, want %q", got, "hello lz4")
	}
}

func TestDecompressZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd.NewWriter: %v", err)
	}
	compressed := enc.EncodeAll([]byte("hello zstd"), nil)
	enc.Close()

	d := newDecompressor()
	got, err := d.decompress(compressed, codecZstd)
	if err != nil {
		t.Fatalf("decompress(codecZstd): %v", err)
	}
	if string(got) != "hello zstd" {
		t.Fatalf("decompress(codecZstd) = %q, want %q", got, "hello zstd")
	}
}

func TestDecompressUnknownCodec(t *testing.T) {
	d := newDecompressor()
	if _, err := d.decompress([]byte("x"), 7); err == nil {
		t.Fatal("decompress with an unknown codec id: want error, got nil")
	}
}
