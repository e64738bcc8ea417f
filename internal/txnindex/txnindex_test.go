package txnindex

import "testing"

func TestIndexOrdering(t *testing.T) {
	var idx Index
	idx.Put(&Txn{ProducerID: 1, FirstOffset: 30})
	idx.Put(&Txn{ProducerID: 2, FirstOffset: 10})
	idx.Put(&Txn{ProducerID: 3, FirstOffset: 20})

	if idx.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", idx.Len())
	}

	min := idx.Min()
	if min == nil || min.FirstOffset != 10 {
		t.Fatalf("Min() = %+v, want FirstOffset 10", min)
	}

	var seen []int64
	idx.Ascend(func(txn *Txn) bool {
		seen = append(seen, txn.FirstOffset)
		return true
	})
	want := []int64{10, 20, 30}
	if len(seen) != len(want) {
		t.Fatalf("Ascend visited %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("Ascend order = %v, want %v", seen, want)
		}
	}
}

func TestIndexPutReplaces(t *testing.T) {
	var idx Index
	idx.Put(&Txn{ProducerID: 1, FirstOffset: 10})
	idx.Put(&Txn{ProducerID: 99, FirstOffset: 10})

	if idx.Len() != 1 {
		t.Fatalf("Len() = %d after replacing put, want 1", idx.Len())
	}
	got := idx.Get(10)
	if got == nil || got.ProducerID != 99 {
		t.Fatalf("Get(10) = %+v, want ProducerID 99", got)
	}
}

func TestIndexRemove(t *testing.T) {
	var idx Index
	idx.Put(&Txn{ProducerID: 1, FirstOffset: 5})
	idx.Put(&Txn{ProducerID: 2, FirstOffset: 15})

	removed := idx.Remove(5)
	if removed == nil || removed.ProducerID != 1 {
		t.Fatalf("Remove(5) = %+v, want ProducerID 1", removed)
	}
	if idx.Len() != 1 {
		t.Fatalf("Len() = %d after remove, want 1", idx.Len())
	}
	if idx.Get(5) != nil {
		t.Fatal("Get(5) after Remove(5), want nil")
	}
	if idx.Remove(5) != nil {
		t.Fatal("Remove(5) a second time, want nil")
	}
}

func TestIndexAscendStopsEarly(t *testing.T) {
	var idx Index
	idx.Put(&Txn{ProducerID: 1, FirstOffset: 1})
	idx.Put(&Txn{ProducerID: 2, FirstOffset: 2})
	idx.Put(&Txn{ProducerID: 3, FirstOffset: 3})

	var visited int
	idx.Ascend(func(*Txn) bool {
		visited++
		return visited < 2
	})
	if visited != 2 {
		t.Fatalf("Ascend visited %d entries, want 2 (early stop)", visited)
	}
}

func TestIndexClear(t *testing.T) {
	var idx Index
	idx.Put(&Txn{ProducerID: 1, FirstOffset: 1})
	idx.Put(&Txn{ProducerID: 2, FirstOffset: 2})
	idx.Clear()
	if idx.Len() != 0 {
		t.Fatalf("Len() = %d after Clear, want 0", idx.Len())
	}
	if idx.Min() != nil {
		t.Fatal("Min() after Clear, want nil")
	}
}
