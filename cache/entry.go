package cache

import (
	"sync"

	"github.com/IvanBrykalov/assetcache/internal/future"
)

// entry tracks one key's load and its live reference count.
// The owning shard's map holds the only long-lived pointer to it; Handles
// and in-flight Gets hold it transiently.
type entry[K comparable, V any] struct {
	key  K
	load *future.Future[V]

	// destroy receives the resource once the entry is disposed and the load
	// has succeeded. It is called exactly once per successful load.
	destroy func(K, V)

	// ---- guarded by mu ----
	mu       sync.Mutex
	refs     int
	disposed bool
}

func newEntry[K comparable, V any](k K, destroy func(K, V)) *entry[K, V] {
	return &entry[K, V]{
		key:     k,
		load:    future.New[V](),
		destroy: destroy,
	}
}

// complete publishes the load result. If the entry was disposed while the
// load was pending, the freshly loaded resource is destroyed right away.
func (e *entry[K, V]) complete(v V, err error) {
	e.mu.Lock()
	e.load.Resolve(v, err)
	disposed := e.disposed
	e.mu.Unlock()

	if disposed && err == nil {
		e.unload()
	}
}

// acquire adds one reference.
func (e *entry[K, V]) acquire() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrEntryDisposed
	}
	e.refs++
	return nil
}

// release drops one reference. There is no floor: a negative count only
// means the entry is sweep-eligible.
func (e *entry[K, V]) release() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrEntryDisposed
	}
	e.refs--
	refs := e.refs
	e.mu.Unlock()

	if refs < 0 {
		log.Errorw("Reference count went negative", "key", e.key, "refs", refs)
	}
	return nil
}

func (e *entry[K, V]) refCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs
}

// asset returns the loaded value. Only meaningful after the load succeeded.
func (e *entry[K, V]) asset() V {
	v, _ := e.load.Result()
	return v
}

// retire disposes an unreferenced entry. It returns errEntryInUse while
// references remain and ErrAlreadyDisposed on a second call. ownsDestroy
// reports whether the load had already succeeded, in which case the caller
// must call unload once it holds no locks; otherwise complete does it when
// (and if) the load succeeds.
func (e *entry[K, V]) retire() (ownsDestroy bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		log.Errorw("Entry disposed twice", "key", e.key)
		return false, ErrAlreadyDisposed
	}
	if e.refs > 0 {
		return false, errEntryInUse
	}
	e.disposed = true
	if !e.load.Resolved() {
		return false, nil
	}
	_, err = e.load.Result()
	return err == nil, nil
}

// unload hands the loaded resource to destroy.
func (e *entry[K, V]) unload() {
	e.destroy(e.key, e.asset())
}
