// Package zset implements the sorted-set value type (§4.D): a ZSET
// member is ordered by (score, name) in an avltree.Tree for range
// queries, and indexed by name in a hashmap.Map for O(1) lookup — the
// same two-structure composition described by
// _examples/original_source/redis/14/zset.h (ZSet{tree, hmap}, ZNode
// embedding both an AVLNode and an HNode) and
// _examples/original_source/redis/11/zset.cpp (zless, tree_add,
// zset_add/lookup/pop/query).
//
// Go has no intrusive embedding, so instead of one struct wearing two
// node "hats", a ZNode here holds a pointer to its own avltree.Node and
// hashmap.Node — letting both structures store *ZNode as their Value
// while still finding their way back to each other in O(1).
package zset

import (
	"bytes"

	"kvd/internal/avltree"
	"kvd/internal/hashmap"
)

// ZNode is one member of a sorted set.
type ZNode struct {
	Score float64
	Name  []byte

	tree  *avltree.Node[*ZNode]
	hnode *hashmap.Node[*ZNode]
}

// ZSet is a sorted set: an order-statistic tree keyed by (score, name)
// plus a hash index keyed by name.
type ZSet struct {
	tree  *avltree.Tree[*ZNode]
	index *hashmap.Map[*ZNode]
}

// New returns an empty sorted set.
func New() *ZSet {
	z := &ZSet{index: hashmap.New[*ZNode](4, 0, 0)}
	z.tree = avltree.New[*ZNode](zless)
	return z
}

// zless orders ZNodes by score, then lexicographically by name —
// translated directly from zset.cpp's zless, which compares by score
// first and falls back to a length-bounded memcmp of the name.
func zless(a, b **ZNode) bool {
	x, y := *a, *b
	if x.Score != y.Score {
		return x.Score < y.Score
	}
	return bytes.Compare(x.Name, y.Name) < 0
}

// Len returns the number of members.
func (z *ZSet) Len() int { return z.tree.Len() }

// Lookup returns the member named name, if present.
func (z *ZSet) Lookup(hash uint32, name []byte) (*ZNode, bool) {
	n, ok := z.index.Lookup(hash, name)
	if !ok {
		return nil, false
	}
	return n.Value, true
}

// Add inserts a new member, or repositions an existing one whose score
// changed. Returns true if name was newly added.
func (z *ZSet) Add(hash uint32, name []byte, score float64) bool {
	if existing, ok := z.index.Lookup(hash, name); ok {
		zn := existing.Value
		if zn.Score == score {
			return false
		}
		z.tree.Delete(zn.tree)
		zn.Score = score
		z.tree.Insert(zn.tree)
		return false
	}

	zn := &ZNode{Score: score, Name: append([]byte(nil), name...)}
	hn := z.index.Insert(hash, name, zn)
	zn.hnode = hn

	tn := &avltree.Node[*ZNode]{Value: zn}
	z.tree.Insert(tn)
	zn.tree = tn
	return true
}

// Pop removes and returns the member named name, if present.
func (z *ZSet) Pop(hash uint32, name []byte) (*ZNode, bool) {
	hn, ok := z.index.Pop(hash, name)
	if !ok {
		return nil, false
	}
	zn := hn.Value
	z.tree.Delete(zn.tree)
	return zn, true
}

// seekGE returns the left-most member whose (score, name) is >= the
// given (score, name), or nil if every member sorts before it.
func (z *ZSet) seekGE(score float64, name []byte) *avltree.Node[*ZNode] {
	target := &ZNode{Score: score, Name: name}
	var best *avltree.Node[*ZNode]
	cur := z.tree.Root()
	for cur != nil {
		if zless(&cur.Value, &target) {
			cur = cur.Right()
		} else {
			best = cur
			cur = cur.Left()
		}
	}
	return best
}

// Query returns up to limit members starting offset positions after the
// first member whose (score, name) is >= (score, name) — the ZQUERY
// command's range-paging semantics (§4.H), grounded on zset_query's use
// of zset_lookup (via a synthetic probe key) followed by avl_offset to
// seek into the range before collecting.
func (z *ZSet) Query(score float64, name []byte, offset, limit int) []*ZNode {
	n := z.seekGE(score, name)
	if n == nil {
		return nil
	}
	if offset != 0 {
		n = avltree.Offset(n, offset)
	}
	if n == nil || limit <= 0 {
		return nil
	}

	out := make([]*ZNode, 0, limit)
	for len(out) < limit && n != nil {
		out = append(out, n.Value)
		n = avltree.Offset(n, 1)
	}
	return out
}

// ForEach visits every member in name-hash order (via the index, not
// the tree) — used to account for or destroy a whole set's members,
// e.g. when a large ZSET is handed to the worker pool for deletion.
func (z *ZSet) ForEach(fn func(*ZNode)) {
	z.index.ForEach(func(n *hashmap.Node[*ZNode]) { fn(n.Value) })
}
