// Package store holds the runtime's local cache of watched objects: a
// lock-free-reading, copy-on-write map keyed by objkey.Key (spec.md
// §4.2). Reads never block behind writes; writes are serialized against
// each other and publish a fresh snapshot atomically.
package store

import (
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"github.com/fx147/kruntime/pkg/objkey"
)

// Store is a point-in-time cache of one kind of object, indexed by
// namespace/name. The zero value is not usable; construct with New.
type Store[T runtime.Object] struct {
	mu sync.Mutex // serializes Apply/Remove/Reset against each other
	m  atomic.Pointer[map[objkey.Key]T]
}

// New returns an empty Store.
func New[T runtime.Object]() *Store[T] {
	s := &Store[T]{}
	empty := map[objkey.Key]T{}
	s.m.Store(&empty)
	return s
}

// Get returns the cached object for key, if any.
func (s *Store[T]) Get(key objkey.Key) (T, bool) {
	m := *s.m.Load()
	v, ok := m[key]
	return v, ok
}

// List returns every object currently cached, in no particular order. The
// returned slice is a private copy; mutating it does not affect the Store.
func (s *Store[T]) List() []T {
	m := *s.m.Load()
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Keys returns every key currently cached, in no particular order.
func (s *Store[T]) Keys() []objkey.Key {
	m := *s.m.Load()
	out := make([]objkey.Key, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Len returns the number of objects currently cached.
func (s *Store[T]) Len() int {
	return len(*s.m.Load())
}

// Apply inserts or overwrites obj in the Store, keyed by its own
// namespace/name. Errors extracting a key are logged and otherwise
// ignored: a malformed object must not take down the cache.
func (s *Store[T]) Apply(obj T) {
	key, err := objkey.KeyFor(obj)
	if err != nil {
		utilruntime.HandleError(err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.m.Load()
	next := make(map[objkey.Key]T, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = obj
	s.m.Store(&next)
}

// Remove deletes key from the Store, if present.
func (s *Store[T]) Remove(key objkey.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := *s.m.Load()
	if _, ok := old[key]; !ok {
		return
	}
	next := make(map[objkey.Key]T, len(old)-1)
	for k, v := range old {
		if k != key {
			next[k] = v
		}
	}
	s.m.Store(&next)
}

// Reset replaces the entire contents of the Store with objs. Used to apply
// a Restarted event's snapshot: anything cached before Reset that isn't in
// objs is gone from the new snapshot too.
func (s *Store[T]) Reset(objs []T) {
	next := make(map[objkey.Key]T, len(objs))
	for _, obj := range objs {
		key, err := objkey.KeyFor(obj)
		if err != nil {
			utilruntime.HandleError(err)
			continue
		}
		next[key] = obj
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.Store(&next)
}
