// Package txnindex provides an ordered index of in-flight transactions keyed
// by first offset, backed by github.com/twmb/go-rbtree the same way the
// sticky group-balancer orders its partition-count levels: a tree searched
// with a three-way FindWith comparator rather than a key-typed API, because
// the rbtree package itself is generic only over its Item interface.
package txnindex

import "github.com/twmb/go-rbtree"

// Txn is one in-flight transaction, keyed by FirstOffset.
type Txn struct {
	ProducerID  int64
	FirstOffset int64
	LastOffset  int64
}

func (t *Txn) Less(other rbtree.Item) bool {
	return t.FirstOffset < other.(*Txn).FirstOffset
}

// Index is an ordered, offset-keyed map of in-flight transactions.
//
// It is not safe for concurrent use; callers serialize access the same way
// StateManager serializes update/completeTxn under its own monitor.
type Index struct {
	tree rbtree.Tree
	len  int
}

// Put inserts or replaces the transaction keyed by txn.FirstOffset.
func (idx *Index) Put(txn *Txn) {
	n := idx.tree.FindWith(func(n *rbtree.Node) int {
		return cmp(txn.FirstOffset, n.Item.(*Txn).FirstOffset)
	})
	if n != nil {
		n.Item = txn
		return
	}
	idx.tree.Insert(txn)
	idx.len++
}

// Remove deletes and returns the transaction keyed by firstOffset, or nil if
// absent.
func (idx *Index) Remove(firstOffset int64) *Txn {
	n := idx.tree.FindWith(func(n *rbtree.Node) int {
		return cmp(firstOffset, n.Item.(*Txn).FirstOffset)
	})
	if n == nil {
		return nil
	}
	txn := n.Item.(*Txn)
	idx.tree.Delete(n)
	idx.len--
	return txn
}

// Get returns the transaction keyed by firstOffset without removing it.
func (idx *Index) Get(firstOffset int64) *Txn {
	n := idx.tree.FindWith(func(n *rbtree.Node) int {
		return cmp(firstOffset, n.Item.(*Txn).FirstOffset)
	})
	if n == nil {
		return nil
	}
	return n.Item.(*Txn)
}

// Len returns the number of in-flight transactions.
func (idx *Index) Len() int { return idx.len }

// Min returns the earliest (lowest first-offset) in-flight transaction, or
// nil if the index is empty.
func (idx *Index) Min() *Txn {
	n := idx.tree.Min()
	if n == nil {
		return nil
	}
	return n.Item.(*Txn)
}

// Ascend calls fn for every transaction in ascending first-offset order,
// stopping early if fn returns false.
func (idx *Index) Ascend(fn func(*Txn) bool) {
	n := idx.tree.Min()
	if n == nil {
		return
	}
	it := rbtree.IterAt(n)
	for it.Ok() {
		if !fn(it.Item().(*Txn)) {
			return
		}
		it.Right()
	}
}

// Clear removes every transaction from the index.
func (idx *Index) Clear() {
	idx.tree = rbtree.Tree{}
	idx.len = 0
}

func cmp(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
