// Package cache provides a generic, reference-counted cache for resources
// that are expensive to produce and must be explicitly destroyed (textures
// fetched over the network, decoded images, remote blobs).
//
// # Design
//
//   - Single flight: the first Get for a key creates an entry and starts the
//     Loader on its own goroutine. Every Get for that key, concurrent or
//     later, waits on the same load and sees the same value or error. A key
//     is loaded once per entry lifetime; failed loads are not retried.
//
//   - Handles: each successful Get returns a new Handle carrying one
//     reference. Clone adds a reference; Dispose drops one. Disposing a
//     Handle never destroys the resource.
//
//   - Sweep: destruction happens only in Sweep, which removes every entry
//     with a reference count <= 0 and calls Loader.Unload on its resource.
//     If the load is still pending, Unload runs when it succeeds; a failed
//     load is never unloaded.
//
//   - Concurrency: entries are spread over shards, each with its own mutex
//     around its map. Get's find-or-create and Sweep's snapshot-and-remove
//     for a shard run under that lock, so they are serialized per shard.
//     Reference counts are guarded per entry. Unload runs outside all locks.
//
//   - Lifetime errors: misuse of the ownership contract (double Dispose,
//     use after Dispose) returns ErrAlreadyDisposed / ErrHandleDisposed and
//     is logged at error level. These must not be ignored.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Load/Unload/Sweep/Size
//     signals. By default NoopMetrics is used; metrics/prom exports them.
//
// # Basic usage
//
//	c := cache.New[string, *Texture](cache.Options[string, *Texture]{
//	    Loader: cache.LoaderFuncs[string, *Texture]{
//	        LoadFunc:   fetchTexture,
//	        UnloadFunc: func(t *Texture) { t.Release() },
//	    },
//	})
//	defer c.Close()
//
//	h, err := c.Get(ctx, "https://example.com/a.png")
//	if err != nil {
//	    return err
//	}
//	tex, _ := h.Asset()
//	draw(tex)
//	_ = h.Dispose()
//
//	c.Sweep() // destroys a.png: no handles remain
//
// # Background sweeping
//
//	c := cache.New[string, *Texture](cache.Options[string, *Texture]{
//	    Loader:        loader,
//	    SweepInterval: 30 * time.Second,
//	})
//
// # Waiting and cancellation
//
// The ctx passed to Get bounds only that caller's wait. A caller that gives
// up gets ctx.Err() and holds no reference, so nothing leaks; the load keeps
// running for other callers. Options.LoadTimeout bounds the load itself.
package cache
