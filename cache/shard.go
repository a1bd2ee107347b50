package cache

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/IvanBrykalov/assetcache/internal/util"
)

// shard is an independent partition of the cache with its own lock and map.
// Find-or-create in Get and snapshot-and-remove in Sweep both run under mu,
// so a Get and a Sweep touching the same shard are serialized.
type shard[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu sync.Mutex
	m  map[K]*entry[K, V]

	metrics Metrics
	closed  *atomic.Bool  // owned by the cache
	entries *atomic.Int64 // resident entries across all shards

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
}

// retired is an entry removed by Sweep, destroyed after the lock is dropped.
type retired[K comparable, V any] struct {
	e           *entry[K, V]
	ownsDestroy bool
}

func newShard[K comparable, V any](metrics Metrics, closed *atomic.Bool, entries *atomic.Int64) *shard[K, V] {
	return &shard[K, V]{
		m:       make(map[K]*entry[K, V]),
		metrics: metrics,
		closed:  closed,
		entries: entries,
	}
}

// getOrCreate returns the entry for k, creating it with create on a miss.
// create must not block: it only starts the load. The second result reports
// whether the entry was created by this call. Once the cache is closed no
// entry is created, so nothing can slip in behind the final sweep.
func (s *shard[K, V]) getOrCreate(k K, create func(K) *entry[K, V]) (*entry[K, V], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	if e, ok := s.m[k]; ok {
		s.hits.Add(1)
		s.metrics.Hit()
		return e, false, nil
	}
	e := create(k)
	s.m[k] = e
	s.misses.Add(1)
	s.metrics.Miss()
	s.metrics.Size(int(s.entries.Add(1)))
	return e, true, nil
}

// sweep retires every unreferenced entry, removes it from the map and
// appends it to out. Candidates are collected before any map mutation;
// destroying them is left to the caller once the lock is released.
func (s *shard[K, V]) sweep(out []retired[K, V]) []retired[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	var victims []*entry[K, V]
	for _, e := range s.m {
		if e.refCount() <= 0 {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		owns, err := e.retire()
		if errors.Is(err, errEntryInUse) {
			// A Get that was already waiting on the load took a reference.
			continue
		}
		delete(s.m, e.key)
		s.entries.Add(-1)
		if err != nil {
			continue
		}
		out = append(out, retired[K, V]{e: e, ownsDestroy: owns})
	}
	return out
}

func (s *shard[K, V]) contains(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[k]
	return ok
}

// Len returns the number of resident entries in this shard.
func (s *shard[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
