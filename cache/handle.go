package cache

import "sync/atomic"

// handle is the Handle implementation: exactly one reference on an entry.
type handle[K comparable, V any] struct {
	e        *entry[K, V]
	disposed atomic.Bool
}

// newHandle takes a reference on e and wraps it.
func newHandle[K comparable, V any](e *entry[K, V]) (*handle[K, V], error) {
	if err := e.acquire(); err != nil {
		return nil, err
	}
	return &handle[K, V]{e: e}, nil
}

// Clone takes another reference on the same entry.
func (h *handle[K, V]) Clone() (Handle[V], error) {
	if h.disposed.Load() {
		return nil, h.useAfterDispose("Clone")
	}
	c, err := newHandle(h.e)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Asset returns the shared resource.
func (h *handle[K, V]) Asset() (V, error) {
	if h.disposed.Load() {
		var zero V
		return zero, h.useAfterDispose("Asset")
	}
	return h.e.asset(), nil
}

// RefCount returns the entry's current reference count.
func (h *handle[K, V]) RefCount() (int, error) {
	if h.disposed.Load() {
		return 0, h.useAfterDispose("RefCount")
	}
	return h.e.refCount(), nil
}

// Dispose releases the reference. The count is decremented only once no
// matter how many times Dispose is called.
func (h *handle[K, V]) Dispose() error {
	if !h.disposed.CompareAndSwap(false, true) {
		log.Errorw("Handle disposed twice", "key", h.e.key)
		return ErrAlreadyDisposed
	}
	return h.e.release()
}

func (h *handle[K, V]) useAfterDispose(op string) error {
	log.Errorw("Handle used after Dispose", "op", op, "key", h.e.key)
	return ErrHandleDisposed
}

var _ Handle[int] = (*handle[string, int])(nil)
