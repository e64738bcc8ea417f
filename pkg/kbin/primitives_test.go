package kbin

import "testing"

func TestAppendReaderRoundTrip(t *testing.T) {
	var buf []byte
	buf = AppendInt16(buf, -7)
	buf = AppendUint32(buf, 0xdeadbeef)
	buf = AppendInt32(buf, -123456)
	buf = AppendInt64(buf, -9_000_000_000)
	buf = AppendArrayLen(buf, 3)
	buf = append(buf, 1, 2, 3) // three one-byte elements

	r := &Reader{Src: buf}
	if v := r.Int16(); v != -7 {
		t.Fatalf("Int16 = %d, want -7", v)
	}
	if v := r.Uint32(); v != 0xdeadbeef {
		t.Fatalf("Uint32 = %x, want deadbeef", v)
	}
	if v := r.Int32(); v != -123456 {
		t.Fatalf("Int32 = %d, want -123456", v)
	}
	if v := r.Int64(); v != -9_000_000_000 {
		t.Fatalf("Int64 = %d, want -9000000000", v)
	}
	if v := r.ArrayLen(); v != 3 {
		t.Fatalf("ArrayLen = %d, want 3", v)
	}
	if v := r.Span(3); len(v) != 3 {
		t.Fatalf("Span(3) = %v, want the three element bytes", v)
	}
	if err := r.Complete(); err != nil {
		t.Fatalf("Complete() = %v, want nil", err)
	}
}

func TestReaderShortDataInvalidates(t *testing.T) {
	r := &Reader{Src: []byte{0x01}}
	if v := r.Int32(); v != 0 {
		t.Fatalf("Int32 on short data = %d, want 0", v)
	}
	if r.Ok() {
		t.Fatal("Ok() = true after short read, want false")
	}
	if err := r.Complete(); err != ErrNotEnoughData {
		t.Fatalf("Complete() = %v, want ErrNotEnoughData", err)
	}
}

func TestReaderTooMuchData(t *testing.T) {
	r := &Reader{Src: AppendInt16(nil, 1)}
	r.Int8()
	if err := r.Complete(); err != ErrTooMuchData {
		t.Fatalf("Complete() = %v, want ErrTooMuchData", err)
	}
}

func TestArrayLenRejectsOverrun(t *testing.T) {
	r := &Reader{Src: AppendArrayLen(nil, 1000)}
	if v := r.ArrayLen(); v != 0 {
		t.Fatalf("ArrayLen() = %d, want 0 on overrun", v)
	}
	if r.Ok() {
		t.Fatal("Ok() = true after an array length overrun, want false")
	}
}

func TestVarintRoundTrip(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 127, -127, 1 << 20, -(1 << 20)} {
		var buf []byte
		buf = appendVarintForTest(buf, v)
		r := &Reader{Src: buf}
		got := r.Varint()
		if !r.Ok() || got != v {
			t.Fatalf("Varint round trip for %d: got %d, ok=%v", v, got, r.Ok())
		}
	}
}

// appendVarintForTest zigzag-encodes and varint-appends i, the same
// encoding Uvarint/Varint decode; there is no exported append side since
// the snapshot codec never needs to emit one, only record batches do, and
// those are always supplied externally.
func appendVarintForTest(dst []byte, i int32) []byte {
	u := uint32(i)<<1 ^ uint32(i>>31)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

func TestVarintBytes(t *testing.T) {
	var buf []byte
	buf = appendVarintForTest(buf, 5)
	buf = append(buf, []byte("hello")...)
	buf = appendVarintForTest(buf, -1) // null

	r := &Reader{Src: buf}
	got := r.VarintBytes()
	if string(got) != "hello" {
		t.Fatalf("VarintBytes = %q, want hello", got)
	}
	null := r.VarintBytes()
	if null != nil {
		t.Fatalf("VarintBytes for length -1 = %v, want nil", null)
	}
	if err := r.Complete(); err != nil {
		t.Fatalf("Complete() = %v, want nil", err)
	}
}
