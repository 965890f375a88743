package rref

import (
	"cmp"
	"iter"
	"sync/atomic"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic map: unlike Go's builtin map, it can be
// range-iterated in a repeatable order, so a walk over its entries
// gives a reproducible result. It backs the argument-pinning registry
// (argpin.go); the tracker's own tables use dmap (dmap.go).
//
// An omap does no internal locking: the tracker mutex (tracker.go) is
// what makes this safe, under the tracker's single-mutex policy.
type omap[K cmp.Ordered, V any] struct {
	version int64
	tree    *rb.Tree

	ordercache   []*okv[K, V]
	cacheversion int64
}

type okv[K cmp.Ordered, V any] struct {
	key K
	val V
	it  rb.Iterator
}

func newOmap[K cmp.Ordered, V any]() *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			ak := a.(*okv[K, V]).key
			bk := b.(*okv[K, V]).key
			return cmp.Compare(ak, bk)
		}),
	}
}

func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

// delkey deletes a key if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		atomic.AddInt64(&s.version, 1)
		s.ordercache = nil
		s.cacheversion = 0
		s.tree.DeleteWithIterator(it)
	}
	return
}

func (s *omap[K, V]) deleteAll() {
	atomic.AddInt64(&s.version, 1)
	s.ordercache = nil
	s.cacheversion = 0
	s.tree.DeleteAll()
}

// set is an upsert: inserts if key is absent, else updates in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	atomic.AddInt64(&s.version, 1)
	s.ordercache = nil
	s.cacheversion = 0

	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		it.Item().(*okv[K, V]).val = val
		return
	}
	newlyAdded = true
	_, it = s.tree.InsertGetIt(query)
	query.it = it
	return
}

// all iterates every (key, val) pair in ascending key order.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		n := s.tree.Len()
		nc := len(s.ordercache)
		vers := atomic.LoadInt64(&s.version)

		if nc == n && s.cacheversion == vers {
			for _, kv := range s.ordercache {
				if !yield(kv.key, kv.val) {
					return
				}
			}
			return
		}

		s.ordercache = nil
		s.cacheversion = vers
		cachegood := true
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if cachegood {
				s.ordercache = append(s.ordercache, kv)
			}
			if !yield(kv.key, kv.val) {
				return
			}
			if atomic.LoadInt64(&s.version) != vers {
				cachegood = false
				s.ordercache = nil
			}
		}
	}
}

func (s *omap[K, V]) get2(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

func (s *omap[K, V]) get(key K) (val V) {
	val, _ = s.get2(key)
	return
}
