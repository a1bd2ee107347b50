package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/assetcache/internal/util"
)

var log = logging.Logger("assetcache")

// cache is a sharded, reference-counted map of key -> entry.
// All methods are safe for concurrent use by multiple goroutines.
type cache[K comparable, V any] struct {
	shards []*shard[K, V]
	hash   func(K) uint64
	closed atomic.Bool

	// entries counts resident entries; shards update it under their locks.
	entries atomic.Int64

	opt Options[K, V]

	// loadCtx is the parent of every Load; cancelled by Close.
	loadCtx    context.Context
	cancelLoad context.CancelFunc

	// Background sweeper ownership.
	stopSweep context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	loadErrors atomic.Int64
	unloads    atomic.Int64
	swept      atomic.Int64
}

// New constructs a cache with the provided Options.
// Defaults:
//   - nil Metrics  -> NoopMetrics
//   - nil Hash     -> util.Hash
//   - Shards       -> util.ShardCount (auto when <= 0, power of two, <= 256)
func New[K comparable, V any](opt Options[K, V]) Cache[K, V] {
	// default Metrics
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Hash == nil {
		opt.Hash = util.Hash[K]
	}

	loadCtx, cancelLoad := context.WithCancel(context.Background())
	c := &cache[K, V]{
		shards:     make([]*shard[K, V], util.ShardCount(opt.Shards)),
		hash:       opt.Hash,
		opt:        opt,
		loadCtx:    loadCtx,
		cancelLoad: cancelLoad,
	}
	for i := range c.shards {
		c.shards[i] = newShard[K, V](opt.Metrics, &c.closed, &c.entries)
	}

	if opt.SweepInterval > 0 {
		ctx, stop := context.WithCancel(context.Background())
		c.stopSweep = stop
		c.wg.Add(1)
		go c.sweepLoop(ctx, opt.SweepInterval)
	}
	return c
}

// NewStringCache is the common form of New for resources named by a string
// (URL, path, logical name) with all other options at their defaults.
func NewStringCache[V any](l Loader[string, V]) Cache[string, V] {
	return New[string, V](Options[string, V]{Loader: l})
}

// ---- Cache[K,V] implementation ----

// Get finds or creates the entry for k, waits for its load and returns a new
// Handle over it.
func (c *cache[K, V]) Get(ctx context.Context, k K) (Handle[V], error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.opt.Loader == nil {
		return nil, ErrNoLoader
	}

	e, created, err := c.getShard(k).getOrCreate(k, c.newEntry)
	if err != nil {
		return nil, err
	}
	if created {
		log.Debugw("Entry created, load started", "key", k)
	}

	if _, err := e.load.Wait(ctx); err != nil {
		return nil, err
	}

	h, err := newHandle(e)
	if err != nil {
		// Swept between the load finishing and our reference being taken.
		log.Warnw("Entry disposed before a handle could be taken", "key", k)
		return nil, err
	}
	return h, nil
}

// GetAll gets every key concurrently and returns the handles in key order.
// All failures are reported together; on failure no handle is returned.
func (c *cache[K, V]) GetAll(ctx context.Context, keys ...K) ([]Handle[V], error) {
	hs := make([]Handle[V], len(keys))

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs *multierror.Error
	)
	for i, k := range keys {
		g.Go(func() error {
			h, err := c.Get(ctx, k)
			if err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("key %v: %w", k, err))
				mu.Unlock()
				return nil
			}
			hs[i] = h
			return nil
		})
	}
	_ = g.Wait()

	if err := errs.ErrorOrNil(); err != nil {
		for _, h := range hs {
			if h != nil {
				_ = h.Dispose()
			}
		}
		return nil, err
	}
	return hs, nil
}

// Sweep removes and destroys every entry with a reference count <= 0.
// Each shard is snapshotted and pruned under its lock; resources are
// destroyed after the locks are released.
func (c *cache[K, V]) Sweep() int {
	var out []retired[K, V]
	for _, s := range c.shards {
		out = s.sweep(out)
	}
	for _, r := range out {
		if r.ownsDestroy {
			r.e.unload()
		}
	}

	n := len(out)
	c.swept.Add(int64(n))
	c.opt.Metrics.Sweep(n)
	c.opt.Metrics.Size(int(c.entries.Load()))
	if n > 0 {
		log.Debugw("Sweep finished", "removed", n)
	}
	return n
}

// Contains reports whether k has a resident entry.
func (c *cache[K, V]) Contains(k K) bool {
	return c.getShard(k).contains(k)
}

// Len returns the total number of resident entries across all shards.
func (c *cache[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.Len()
	}
	return total
}

// Stats returns a snapshot of the cache counters.
func (c *cache[K, V]) Stats() Stats {
	st := Stats{
		Entries:    c.Len(),
		LoadErrors: c.loadErrors.Load(),
		Unloads:    c.unloads.Load(),
		Swept:      c.swept.Load(),
	}
	for _, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
	}
	return st
}

// Close marks the cache closed, stops the sweeper, sweeps once and
// cancels pending loads.
func (c *cache[K, V]) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.stopSweep != nil {
			c.stopSweep()
			c.wg.Wait()
		}
		c.Sweep()
		c.cancelLoad()
	})
	return nil
}

// ---- helpers ----

// getShard picks a shard by hashing the key and masking with len-1.
// len(c.shards) is guaranteed to be a power of two.
func (c *cache[K, V]) getShard(k K) *shard[K, V] {
	return c.shards[util.ShardIndex(c.hash(k), len(c.shards))]
}

// newEntry creates the entry for k and starts its load. It runs under the
// shard lock, so it must not wait for the load.
func (c *cache[K, V]) newEntry(k K) *entry[K, V] {
	e := newEntry(k, c.destroy)
	go c.runLoad(e)
	return e
}

// runLoad performs the single Load for e and publishes the result.
func (c *cache[K, V]) runLoad(e *entry[K, V]) {
	ctx := c.loadCtx
	if c.opt.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opt.LoadTimeout)
		defer cancel()
	}

	start := time.Now()
	v, err := c.opt.Loader.Load(ctx, e.key)
	c.opt.Metrics.Load(time.Since(start), err)

	if err != nil {
		c.loadErrors.Add(1)
		log.Warnw("Load failed", "key", e.key, "err", err)
		err = &LoadError{Key: e.key, Err: err}
	} else {
		log.Debugw("Load completed", "key", e.key, "took", time.Since(start))
	}
	e.complete(v, err)
}

// destroy hands a successfully loaded resource back to the Loader.
func (c *cache[K, V]) destroy(k K, v V) {
	c.opt.Loader.Unload(v)
	c.unloads.Add(1)
	c.opt.Metrics.Unload()
	if cb := c.opt.OnUnload; cb != nil {
		cb(k, v)
	}
}
