package cache

import (
	"context"
	"time"
)

// Loader produces and destroys resources for a cache.
//
// Load is called at most once per entry, on its own goroutine. Unload is
// called exactly once for every value Load returned without error, after
// the entry has been swept.
type Loader[K comparable, V any] interface {
	Load(ctx context.Context, k K) (V, error)
	Unload(v V)
}

// LoaderFuncs adapts a pair of functions to the Loader interface.
// A nil UnloadFunc makes Unload a no-op.
type LoaderFuncs[K comparable, V any] struct {
	LoadFunc   func(ctx context.Context, k K) (V, error)
	UnloadFunc func(v V)
}

// Load calls LoadFunc.
func (f LoaderFuncs[K, V]) Load(ctx context.Context, k K) (V, error) {
	return f.LoadFunc(ctx, k)
}

// Unload calls UnloadFunc if set.
func (f LoaderFuncs[K, V]) Unload(v V) {
	if f.UnloadFunc != nil {
		f.UnloadFunc(v)
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Load is reported once per finished load with its wall time.
	Load(d time.Duration, err error)
	Unload()
	Sweep(removed int)
	Size(entries int)
}

// Options configures the cache. Zero values are safe;
// defaults are applied in New():
//   - Shards <= 0  => auto (rounded up to power of two)
//   - nil Hash     => FNV-1a for common key types, maphash otherwise
//   - nil Metrics  => NoopMetrics
type Options[K comparable, V any] struct {
	// Loader loads and destroys resources. Get returns ErrNoLoader if nil.
	Loader Loader[K, V]

	// Shards defines the number of shards. If 0, an automatic value is chosen
	// (≈ 2*GOMAXPROCS); any value is rounded to the next power of two and
	// capped at 256.
	Shards int

	// Hash maps a key to a shard. Only its distribution matters.
	Hash func(K) uint64

	// LoadTimeout bounds each Load call (0 = no timeout).
	LoadTimeout time.Duration

	// SweepInterval starts a background goroutine that calls Sweep on this
	// period (0 = callers sweep explicitly). It is stopped by Close.
	//
	// A sweep also removes entries whose load is still pending and that no
	// Handle references yet; every Get waiting on such a load fails with
	// ErrEntryDisposed. An interval shorter than the typical load latency
	// can therefore keep a key from ever being fetched.
	SweepInterval time.Duration

	// OnUnload is called after Loader.Unload for every destroyed resource.
	// It runs outside cache locks.
	OnUnload func(k K, v V)

	Metrics Metrics
}
