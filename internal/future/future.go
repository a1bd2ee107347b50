// Package future provides a single-assignment result that many goroutines
// can wait on.
package future

import (
	"context"
	"sync"
)

// Future holds the outcome of one asynchronous operation. It is resolved
// exactly once; every waiter observes the same (val, err).
//
// Concurrency notes:
//   - Publishing (val, err) happens-before close(done), so Wait and Result
//     observe the final values once Resolved reports true.
//   - Cancelling ctx in Wait unblocks only that waiter; it does NOT cancel
//     the operation that resolves the future.
type Future[V any] struct {
	once sync.Once
	done chan struct{} // closed when val/err are published
	val  V
	err  error
}

// New returns an unresolved Future.
func New[V any]() *Future[V] {
	return &Future[V]{done: make(chan struct{})}
}

// Resolve publishes the result and wakes all waiters. Only the first call
// has an effect; it reports whether this call resolved the future.
func (f *Future[V]) Resolve(v V, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Resolved reports whether the result is available without blocking.
func (f *Future[V]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future is resolved or ctx is done. If ctx ends
// first, Wait returns ctx.Err() and the zero value.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Result returns the published result without blocking. Before the future
// is resolved it returns the zero value and a nil error.
func (f *Future[V]) Result() (V, error) {
	if !f.Resolved() {
		var zero V
		return zero, nil
	}
	return f.val, f.err
}
