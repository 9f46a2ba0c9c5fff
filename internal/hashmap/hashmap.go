// Package hashmap implements the keyspace index (§4.B): a chained hash
// table split across a "primary" and "secondary" generation, with
// resizing spread incrementally across subsequent operations instead of
// paid for all at once.
//
// Grounded on beelog's stateTable/aux-index idiom (structure.go,
// list.go): a map from key to an intrusive chain, generalized here to
// carry a precomputed hash code and to migrate incrementally between two
// generations, the behavior spec.md §4.B calls for that beelog's simple
// map does not need.
package hashmap

import "bytes"

// Node is a chain entry. Hash is precomputed by the caller (via a real
// hash function — see internal/store, which uses xxhash) so the map
// itself never re-hashes a key.
type Node[V any] struct {
	hash  uint32
	key   []byte
	Value V
	next  *Node[V]
}

// Key returns the node's key bytes. The map never mutates them.
func (n *Node[V]) Key() []byte { return n.key }

type table[V any] struct {
	buckets []*Node[V]
	mask    uint32
	size    uint32
}

func newTable[V any](capacity uint32) table[V] {
	if capacity < 4 {
		capacity = 4
	}
	capacity = nextPow2(capacity)
	return table[V]{buckets: make([]*Node[V], capacity), mask: capacity - 1}
}

func nextPow2(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (t *table[V]) insertNode(n *Node[V]) {
	idx := n.hash & t.mask
	n.next = t.buckets[idx]
	t.buckets[idx] = n
	t.size++
}

// find returns the chain node matching hash+key and a pointer to the
// *Node[V] slot referencing it (either a bucket head or a .next field),
// so the caller can splice it out in O(1) once found.
func (t *table[V]) find(hash uint32, key []byte) (node *Node[V], prevNext **Node[V]) {
	idx := hash & t.mask
	slot := &t.buckets[idx]
	for cur := *slot; cur != nil; cur = cur.next {
		if cur.hash == hash && bytes.Equal(cur.key, key) {
			return cur, slot
		}
		slot = &cur.next
	}
	return nil, nil
}

// DefaultLoadFactorMax is the conventional resize trigger adopted for
// spec.md §9's open question (reference source used 0, which would
// resize on every insert; 8 keeps expected chain length O(1)).
const DefaultLoadFactorMax = 8

// DefaultRehashWork is K_REHASH_WORK from spec.md §4.B: slots migrated
// per mutating operation.
const DefaultRehashWork = 128

// Map is the keyspace hash table: a (primary, secondary) pair plus a
// migration cursor, per spec.md §3.
type Map[V any] struct {
	primary, secondary table[V]
	migrating          bool
	cursor             uint32

	loadFactorMax uint32
	rehashWork    int
}

// New returns an empty Map with the given initial capacity (rounded up to
// a power of two) and incremental-resize tuning.
func New[V any](initialCapacity uint32, loadFactorMax uint32, rehashWork int) *Map[V] {
	if loadFactorMax == 0 {
		loadFactorMax = DefaultLoadFactorMax
	}
	if rehashWork <= 0 {
		rehashWork = DefaultRehashWork
	}
	return &Map[V]{
		primary:       newTable[V](initialCapacity),
		loadFactorMax: loadFactorMax,
		rehashWork:    rehashWork,
	}
}

// Len returns the total number of entries across both generations.
func (m *Map[V]) Len() uint32 {
	return m.primary.size + m.secondary.size
}

// rehashStep migrates up to rehashWork non-empty slots from secondary
// into primary. Called by every mutating operation.
func (m *Map[V]) rehashStep() {
	if !m.migrating {
		return
	}
	work := m.rehashWork
	for work > 0 && m.cursor <= m.secondary.mask {
		head := m.secondary.buckets[m.cursor]
		if head != nil {
			m.secondary.size -= chainLen(head)
			for cur := head; cur != nil; {
				next := cur.next
				m.primary.insertNode(cur)
				cur = next
			}
			m.secondary.buckets[m.cursor] = nil
			work--
		}
		m.cursor++
	}
	if m.cursor > m.secondary.mask {
		m.secondary = table[V]{}
		m.migrating = false
		m.cursor = 0
	}
}

func chainLen[V any](n *Node[V]) uint32 {
	var c uint32
	for ; n != nil; n = n.next {
		c++
	}
	return c
}

// maybeStartResize begins a new generation if primary's load factor has
// reached loadFactorMax. A resize in progress (migrating) is never
// restarted until it completes.
func (m *Map[V]) maybeStartResize() {
	if m.migrating {
		return
	}
	if m.primary.size/(m.primary.mask+1) < m.loadFactorMax {
		return
	}
	m.secondary = m.primary
	m.primary = newTable[V]((m.secondary.mask + 1) * 2)
	m.migrating = true
	m.cursor = 0
}

// Insert always writes to primary, per spec.md §4.B. The caller is
// responsible for checking for an existing key first (via Lookup) if
// upsert semantics are required; Insert itself never deduplicates.
func (m *Map[V]) Insert(hash uint32, key []byte, value V) *Node[V] {
	m.rehashStep()
	m.maybeStartResize()

	n := &Node[V]{hash: hash, key: append([]byte(nil), key...), Value: value}
	m.primary.insertNode(n)
	return n
}

// Lookup consults primary then secondary. Read-only: it does not advance
// incremental rehashing.
func (m *Map[V]) Lookup(hash uint32, key []byte) (*Node[V], bool) {
	if n, _ := m.primary.find(hash, key); n != nil {
		return n, true
	}
	if m.migrating {
		if n, _ := m.secondary.find(hash, key); n != nil {
			return n, true
		}
	}
	return nil, false
}

// Pop detaches and returns the chain node for hash+key without freeing
// it; the caller takes ownership of the detached node.
func (m *Map[V]) Pop(hash uint32, key []byte) (*Node[V], bool) {
	m.rehashStep()

	if n, slot := m.primary.find(hash, key); n != nil {
		*slot = n.next
		n.next = nil
		m.primary.size--
		return n, true
	}
	if m.migrating {
		if n, slot := m.secondary.find(hash, key); n != nil {
			*slot = n.next
			n.next = nil
			m.secondary.size--
			return n, true
		}
	}
	return nil, false
}

// ForEach visits every node across both generations. Order is unspecified
// (bucket order); used by the KEYS command, which has no ordering
// guarantee in spec.md §4.H.
func (m *Map[V]) ForEach(fn func(*Node[V])) {
	for _, head := range m.primary.buckets {
		for cur := head; cur != nil; cur = cur.next {
			fn(cur)
		}
	}
	if m.migrating {
		for _, head := range m.secondary.buckets {
			for cur := head; cur != nil; cur = cur.next {
				fn(cur)
			}
		}
	}
}
