package cache

import (
	"context"
	"time"
)

// sweepLoop calls Sweep every interval until ctx is cancelled.
// A ticker-driven full pass keeps ownership simple: one goroutine, stopped
// by Close, no per-entry timers.
func (c *cache[K, V]) sweepLoop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
