package store

import (
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"

	"kvd/internal/hashmap"
	"kvd/internal/ttlheap"
	"kvd/internal/workerpool"
	"kvd/internal/zset"
)

// ErrWrongType is returned when a command targets a key whose stored
// type doesn't match the operation (§4.H's ERR(TYPE) cases).
var ErrWrongType = errors.New("store: wrong type")

// DefaultLargeZSetThreshold is k_large_container_size from the
// reference: ZSETs with more members than this are torn down on the
// worker pool instead of inline, so a single expiration or DEL cannot
// stall the event loop.
const DefaultLargeZSetThreshold = 10000

// Store is the keyspace database: a hash map of Entries, a TTL
// schedule, and a worker pool for offloaded teardown.
type Store struct {
	keyspace *hashmap.Map[*Entry]
	ttl      *ttlheap.Heap[*Entry]
	pool     *workerpool.Pool

	largeZSetThreshold int

	// NowUS returns the current time in microseconds; overridable for
	// tests. Defaults to the wall clock as unix microseconds
	// (time.Now().UnixMicro()), which is not monotonic: a system clock
	// step moves every scheduled expiration with it.
	NowUS func() int64
}

// New returns an empty Store. pool may be nil, in which case large ZSET
// teardown runs inline (used by tests that don't need a pool).
func New(loadFactorMax uint32, rehashWork int, pool *workerpool.Pool) *Store {
	return &Store{
		keyspace:           hashmap.New[*Entry](16, loadFactorMax, rehashWork),
		ttl:                ttlheap.New[*Entry](),
		pool:               pool,
		largeZSetThreshold: DefaultLargeZSetThreshold,
		NowUS:              func() int64 { return time.Now().UnixMicro() },
	}
}

// SetLargeZSetThreshold overrides the member count above which a
// destroyed ZSET's teardown is offloaded to the worker pool instead of
// running inline. Used by config loading to apply a non-default value.
func (s *Store) SetLargeZSetThreshold(n int) {
	s.largeZSetThreshold = n
}

func hashKey(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

func (s *Store) lookup(key []byte) (*Entry, bool) {
	n, ok := s.keyspace.Lookup(hashKey(key), key)
	if !ok {
		return nil, false
	}
	return n.Value, true
}

// Keys returns every key currently in the keyspace, in unspecified order.
func (s *Store) Keys() [][]byte {
	out := make([][]byte, 0, s.keyspace.Len())
	s.keyspace.ForEach(func(n *hashmap.Node[*Entry]) {
		out = append(out, n.Value.Key)
	})
	return out
}

// Get returns the STRING value at key. ok is false if the key is
// absent; err is ErrWrongType if the key holds a ZSET.
func (s *Store) Get(key []byte) (val []byte, ok bool, err error) {
	e, found := s.lookup(key)
	if !found {
		return nil, false, nil
	}
	if e.Type != TypeString {
		return nil, false, ErrWrongType
	}
	return e.Val, true, nil
}

// Set creates or overwrites key as a STRING. Returns ErrWrongType if
// key currently holds a ZSET.
func (s *Store) Set(key, val []byte) error {
	hash := hashKey(key)
	if n, ok := s.keyspace.Lookup(hash, key); ok {
		e := n.Value
		if e.Type != TypeString {
			return ErrWrongType
		}
		e.Val = append([]byte(nil), val...)
		return nil
	}

	e := &Entry{Key: append([]byte(nil), key...), Type: TypeString, Val: append([]byte(nil), val...)}
	s.keyspace.Insert(hash, key, e)
	return nil
}

// Del removes key (of any type), destroying its payload. Returns true
// if a key was removed.
func (s *Store) Del(key []byte) bool {
	n, ok := s.keyspace.Pop(hashKey(key), key)
	if !ok {
		return false
	}
	s.destroy(n.Value)
	return true
}

// destroy releases an Entry's TTL slot and, for an oversized ZSET, hands
// its teardown to the worker pool instead of walking it inline. Go's
// garbage collector reclaims the memory either way; what must move off
// the event-loop thread is the O(n) cost of walking every member, which
// is exactly the cost the reference pays manually via entry_del_async.
func (s *Store) destroy(e *Entry) {
	if e.heapItem != nil {
		s.ttl.Remove(e.heapItem)
		e.heapItem = nil
	}
	if e.Type != TypeZSet {
		return
	}
	zs := e.Set
	e.Set = nil
	if zs.Len() <= s.largeZSetThreshold || s.pool == nil {
		zs.ForEach(func(*zset.ZNode) {})
		return
	}
	s.pool.Submit(func() {
		zs.ForEach(func(*zset.ZNode) {})
	})
}

// PExpire sets or clears key's TTL. ttlMs < 0 clears it; ttlMs >= 0
// schedules (or reschedules) expiration ttlMs from now. Returns false
// if key does not exist.
func (s *Store) PExpire(key []byte, ttlMs int64) bool {
	e, ok := s.lookup(key)
	if !ok {
		return false
	}

	if ttlMs < 0 {
		if e.heapItem != nil {
			s.ttl.Remove(e.heapItem)
			e.heapItem = nil
		}
		return true
	}

	expiresAt := s.NowUS() + ttlMs*1000
	if e.heapItem == nil {
		e.heapItem = s.ttl.Add(expiresAt, e)
	} else {
		s.ttl.Update(e.heapItem, expiresAt)
	}
	return true
}

// PTTL returns the remaining TTL in milliseconds, -1 if key has no TTL,
// or -2 if key does not exist.
func (s *Store) PTTL(key []byte) int64 {
	e, ok := s.lookup(key)
	if !ok {
		return -2
	}
	if e.heapItem == nil {
		return -1
	}
	remaining := (e.heapItem.ExpiresAt - s.NowUS()) / 1000
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// ZAdd ensures key names a ZSET (creating it if absent) and adds or
// repositions member name at score. Returns ErrWrongType if key holds a
// STRING.
func (s *Store) ZAdd(key, name []byte, score float64) (added bool, err error) {
	hash := hashKey(key)
	n, ok := s.keyspace.Lookup(hash, key)
	var e *Entry
	if ok {
		e = n.Value
		if e.Type != TypeZSet {
			return false, ErrWrongType
		}
	} else {
		e = &Entry{Key: append([]byte(nil), key...), Type: TypeZSet, Set: zset.New()}
		s.keyspace.Insert(hash, key, e)
	}
	return e.Set.Add(hashKey(name), name, score), nil
}

// ZRem removes member name from the ZSET at key. present reports
// whether key exists at all (so the caller can distinguish NIL from
// INT(0), per §4.H's zrem semantics); err is ErrWrongType if key holds
// a STRING.
func (s *Store) ZRem(key, name []byte) (removed, present bool, err error) {
	e, ok := s.lookup(key)
	if !ok {
		return false, false, nil
	}
	if e.Type != TypeZSet {
		return false, true, ErrWrongType
	}
	_, popped := e.Set.Pop(hashKey(name), name)
	return popped, true, nil
}

// ZScore returns the score of member name in the ZSET at key. ok is
// false if key or the member is absent; err is ErrWrongType if key
// holds a STRING.
func (s *Store) ZScore(key, name []byte) (score float64, ok bool, err error) {
	e, found := s.lookup(key)
	if !found {
		return 0, false, nil
	}
	if e.Type != TypeZSet {
		return 0, false, ErrWrongType
	}
	zn, found := e.Set.Lookup(hashKey(name), name)
	if !found {
		return 0, false, nil
	}
	return zn.Score, true, nil
}

// ZQuery pages through the ZSET at key starting from the least member
// >= (score, name). A missing key yields (nil, nil); err is
// ErrWrongType if key holds a STRING.
func (s *Store) ZQuery(key []byte, score float64, name []byte, offset, limit int) ([]*zset.ZNode, error) {
	e, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	if e.Type != TypeZSet {
		return nil, ErrWrongType
	}
	return e.Set.Query(score, name, offset, limit), nil
}

// NextExpiryUS returns the nearest scheduled TTL deadline (unix
// microseconds), or ok=false if no key has a TTL. Used by the event
// loop to size its poll timeout (§4.J).
func (s *Store) NextExpiryUS() (deadline int64, ok bool) {
	item, found := s.ttl.Peek()
	if !found {
		return 0, false
	}
	return item.ExpiresAt, true
}

// ExpireDue pops and destroys every Entry whose TTL is due at or before
// now, up to limit entries (0 = unlimited). Returns the number
// destroyed. Used by the maintenance loop's TTL reaper (§4.J).
func (s *Store) ExpireDue(now int64, limit int) int {
	due := s.ttl.PopExpired(now, limit)
	for _, item := range due {
		e := item.Value
		e.heapItem = nil
		s.keyspace.Pop(hashKey(e.Key), e.Key)
		s.destroy(e)
	}
	return len(due)
}
