package rref

import "sort"

// ided is satisfied by any key type with a stable, sortable string
// identity — RRefId and ForkId both qualify (ids.go).
type ided interface {
	id() string
}

// dmap is a deterministic map: like omap, it can be range-iterated in
// a repeatable order, but is backed by a plain Go map plus a sorted
// key slice rather than a red-black tree, favoring O(1) get/set at the
// cost of O(n) insert. The tracker's pending tables are small and
// churn one entry at a time, so O(n) insert/delete is the right
// trade-off.
//
// Unlike a pure upsert-only structure, the tracker's tables need
// deletion as entries drain, so delete is included alongside upsert.
type dmap[K ided, V any] struct {
	keys  []string
	vals  []V
	ideds []K
	idx   map[string]int // index into keys/vals/ideds, not just presence
}

func newDmap[K ided, V any]() *dmap[K, V] {
	return &dmap[K, V]{idx: make(map[string]int)}
}

func (s *dmap[K, V]) Len() int { return len(s.keys) }

// upsert inserts k/val, or updates val in place if k is already
// present. Returns whether it was newly inserted.
func (s *dmap[K, V]) upsert(k K, val V) (newlyAdded bool) {
	key := k.id()
	if i, found := s.idx[key]; found {
		s.vals[i] = val
		return false
	}

	i := sort.Search(len(s.keys), func(i int) bool { return key <= s.keys[i] })
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = key

	s.vals = append(s.vals, val)
	copy(s.vals[i+1:], s.vals[i:])
	s.vals[i] = val

	s.ideds = append(s.ideds, k)
	copy(s.ideds[i+1:], s.ideds[i:])
	s.ideds[i] = k

	for j := i; j < len(s.keys); j++ {
		s.idx[s.keys[j]] = j
	}
	return true
}

// get returns the value for k, if present.
func (s *dmap[K, V]) get(k K) (val V, found bool) {
	i, ok := s.idx[k.id()]
	if !ok {
		return val, false
	}
	return s.vals[i], true
}

func (s *dmap[K, V]) has(k K) bool {
	_, ok := s.idx[k.id()]
	return ok
}

// delete removes k, if present, returning whether it was.
func (s *dmap[K, V]) delete(k K) bool {
	i, ok := s.idx[k.id()]
	if !ok {
		return false
	}
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
	s.vals = append(s.vals[:i], s.vals[i+1:]...)
	s.ideds = append(s.ideds[:i], s.ideds[i+1:]...)
	delete(s.idx, k.id())
	for j := i; j < len(s.keys); j++ {
		s.idx[s.keys[j]] = j
	}
	return true
}

// all yields entries in ascending key order, giving property tests a
// reproducible sweep order.
func (s *dmap[K, V]) all(yield func(K, V) bool) {
	for i := range s.keys {
		if !yield(s.ideds[i], s.vals[i]) {
			return
		}
	}
}
