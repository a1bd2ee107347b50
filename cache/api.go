package cache

import "context"

// Cache is a reference-counted cache of asynchronously loaded resources.
// All methods are safe for concurrent use by multiple goroutines.
//
// Each key is loaded at most once for as long as its entry lives. Callers
// receive a Handle per Get; the resource stays alive until every Handle has
// been disposed AND a Sweep has reclaimed the entry.
type Cache[K comparable, V any] interface {
	// Get returns a new Handle for k, starting the load on first request.
	// It blocks until the shared load completes or ctx is done. ctx bounds
	// only this caller's wait; it never cancels the shared load.
	//
	// A failed load is returned as a *LoadError (matching ErrLoadFailed) to
	// every caller awaiting the entry, until the entry is swept.
	Get(ctx context.Context, k K) (Handle[V], error)

	// GetAll requests every key concurrently. On success it returns one Handle
	// per key, in order. If any Get fails, the Handles already acquired are
	// disposed and the combined error is returned.
	GetAll(ctx context.Context, keys ...K) ([]Handle[V], error)

	// Sweep removes every entry whose reference count is <= 0 and destroys
	// its resource via Loader.Unload. Entries whose load is still pending
	// are destroyed once the load succeeds. Returns the number removed.
	Sweep() int

	// Contains reports whether an entry for k is resident (loaded, loading
	// or failed). It does not take a reference.
	Contains(k K) bool

	// Len returns the total number of resident entries across all shards.
	Len() int

	// Stats returns a snapshot of the cache counters.
	Stats() Stats

	// Close stops the background sweeper, performs a final Sweep and
	// cancels loads that are still in flight. Get fails with ErrClosed
	// afterwards. Handles already issued remain valid. Close is idempotent.
	Close() error
}

// Handle is one unit of ownership over a cached resource. Every Handle must
// be disposed exactly once. Copying the Handle value does not add a
// reference; Clone does.
type Handle[V any] interface {
	// Clone returns a new, independent Handle over the same resource.
	Clone() (Handle[V], error)

	// Asset returns the loaded resource. Callers must treat it as read-only:
	// it is shared by every Handle of the same key.
	Asset() (V, error)

	// RefCount returns the number of live Handles sharing the resource.
	RefCount() (int, error)

	// Dispose releases this Handle's reference. It never destroys the
	// resource itself; that happens in Sweep.
	Dispose() error
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries    int   // resident entries
	Hits       int64 // Gets that found an existing entry
	Misses     int64 // Gets that created an entry (and started a load)
	LoadErrors int64 // loads that failed
	Unloads    int64 // resources destroyed
	Swept      int64 // entries removed by Sweep
}
