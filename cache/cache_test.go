package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// texture stands in for an expensive resource; destroyed is set by Unload.
type texture struct {
	name      string
	destroyed atomic.Bool
}

// fakeLoader records calls and lets tests gate loads on a channel.
type fakeLoader struct {
	mu      sync.Mutex
	loads   map[string]int
	unloads []string

	gate  chan struct{} // if non-nil, Load blocks until it is closed
	fail  map[string]error
	delay time.Duration
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{loads: map[string]int{}, fail: map[string]error{}}
}

func (l *fakeLoader) Load(ctx context.Context, k string) (*texture, error) {
	l.mu.Lock()
	l.loads[k]++
	gate, err := l.gate, l.fail[k]
	l.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	if err != nil {
		return nil, err
	}
	return &texture{name: k}, nil
}

func (l *fakeLoader) Unload(t *texture) {
	t.destroyed.Store(true)
	l.mu.Lock()
	l.unloads = append(l.unloads, t.name)
	l.mu.Unlock()
}

func (l *fakeLoader) loadCount(k string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[k]
}

func (l *fakeLoader) unloadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.unloads)
}

func newTestCache(t *testing.T, l *fakeLoader) Cache[string, *texture] {
	t.Helper()
	c := New[string, *texture](Options[string, *texture]{Loader: l, Shards: 4})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func mustGet(t *testing.T, c Cache[string, *texture], k string) Handle[*texture] {
	t.Helper()
	h, err := c.Get(context.Background(), k)
	if err != nil {
		t.Fatalf("Get(%q): %v", k, err)
	}
	return h
}

func mustRefs(t *testing.T, h Handle[*texture]) int {
	t.Helper()
	n, err := h.RefCount()
	if err != nil {
		t.Fatalf("RefCount: %v", err)
	}
	return n
}

func TestCache_GetReturnsLoadedAsset(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, newFakeLoader())
	h := mustGet(t, c, "txone")

	tex, err := h.Asset()
	if err != nil || tex == nil || tex.name != "txone" {
		t.Fatalf("Asset = (%v, %v)", tex, err)
	}
	if n := mustRefs(t, h); n != 1 {
		t.Fatalf("refs = %d, want 1", n)
	}
}

func TestCache_GetTwiceSharesAsset(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := newTestCache(t, l)
	h1 := mustGet(t, c, "txone")
	h2 := mustGet(t, c, "txone")

	if h1 == h2 {
		t.Fatal("each Get must return a distinct handle")
	}
	a1, _ := h1.Asset()
	a2, _ := h2.Asset()
	if a1 != a2 {
		t.Fatal("handles must share the same resource")
	}
	if mustRefs(t, h1) != 2 || mustRefs(t, h2) != 2 {
		t.Fatal("both handles must report refs = 2")
	}
	if n := l.loadCount("txone"); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}
}

// get -> 1, clone -> 2, dispose -> 1, dispose -> 0.
func TestCache_ReferenceAccounting(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, newFakeLoader())
	h := mustGet(t, c, "k")
	clone, err := h.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if n := mustRefs(t, h); n != 2 {
		t.Fatalf("after clone refs = %d", n)
	}
	if err := h.Dispose(); err != nil {
		t.Fatal(err)
	}
	if n := mustRefs(t, clone); n != 1 {
		t.Fatalf("after first dispose refs = %d", n)
	}
	if err := clone.Dispose(); err != nil {
		t.Fatal(err)
	}

	// Observe the count through a fresh handle: 0 + 1.
	h2 := mustGet(t, c, "k")
	if n := mustRefs(t, h2); n != 1 {
		t.Fatalf("fresh handle refs = %d, want 1", n)
	}
}

func TestCache_DisposeDoesNotDestroy(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := newTestCache(t, l)
	h := mustGet(t, c, "k")
	tex, _ := h.Asset()

	if err := h.Dispose(); err != nil {
		t.Fatal(err)
	}
	if tex.destroyed.Load() || l.unloadCount() != 0 {
		t.Fatal("resource destroyed before Sweep")
	}
	if !c.Contains("k") {
		t.Fatal("entry must stay resident until Sweep")
	}

	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if !tex.destroyed.Load() {
		t.Fatal("Sweep must destroy the resource")
	}
	if c.Contains("k") {
		t.Fatal("entry must be gone after Sweep")
	}
}

func TestCache_SweepOnlyZeroCount(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := newTestCache(t, l)

	a, b, cc := mustGet(t, c, "A"), mustGet(t, c, "B"), mustGet(t, c, "C")
	texA, _ := a.Asset()
	texB, _ := b.Asset()
	texC, _ := cc.Asset()
	_ = a.Dispose()
	_ = cc.Dispose()

	if n := c.Sweep(); n != 2 {
		t.Fatalf("Sweep removed %d, want 2", n)
	}
	if !texA.destroyed.Load() || !texC.destroyed.Load() {
		t.Fatal("A and C must be destroyed")
	}
	if texB.destroyed.Load() {
		t.Fatal("B must be untouched")
	}
	if n := mustRefs(t, b); n != 1 {
		t.Fatalf("B refs = %d, want 1", n)
	}
	if got, _ := b.Asset(); got != texB {
		t.Fatal("B asset changed")
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestCache_ClearWithClone(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := newTestCache(t, l)
	h := mustGet(t, c, "txone")
	clone, _ := h.Clone()
	tex, _ := h.Asset()

	_ = h.Dispose()
	c.Sweep()
	if tex.destroyed.Load() {
		t.Fatal("clone still holds a reference")
	}

	_ = clone.Dispose()
	c.Sweep()
	if !tex.destroyed.Load() {
		t.Fatal("resource must be destroyed once the last reference is gone")
	}
	if l.unloadCount() != 1 {
		t.Fatalf("unloads = %d, want 1", l.unloadCount())
	}
}

func TestCache_DoubleDispose(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, newFakeLoader())
	h := mustGet(t, c, "k")
	keep := mustGet(t, c, "k")
	copied := h

	if err := h.Dispose(); err != nil {
		t.Fatal(err)
	}
	if err := copied.Dispose(); !errors.Is(err, ErrAlreadyDisposed) {
		t.Fatalf("second Dispose: want ErrAlreadyDisposed, got %v", err)
	}
	if n := mustRefs(t, keep); n != 1 {
		t.Fatalf("count decremented twice: refs = %d", n)
	}
}

func TestCache_UseAfterDispose(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, newFakeLoader())
	h := mustGet(t, c, "k")
	_ = h.Dispose()

	if _, err := h.Asset(); !errors.Is(err, ErrHandleDisposed) {
		t.Fatalf("Asset: want ErrHandleDisposed, got %v", err)
	}
	if _, err := h.RefCount(); !errors.Is(err, ErrHandleDisposed) {
		t.Fatalf("RefCount: want ErrHandleDisposed, got %v", err)
	}
	if _, err := h.Clone(); !errors.Is(err, ErrHandleDisposed) {
		t.Fatalf("Clone: want ErrHandleDisposed, got %v", err)
	}
}

// Concurrent Gets for the same key should run the Loader exactly once and
// share the same resource instance.
func TestCache_SingleFlight(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	l.delay = 5 * time.Millisecond
	c := newTestCache(t, l)

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assets := make([]*texture, N)
	handles := make([]Handle[*texture], N)
	for i := 0; i < N; i++ {
		g.Go(func() error {
			h, err := c.Get(ctx, "k")
			if err != nil {
				return err
			}
			handles[i] = h
			assets[i], err = h.Asset()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := l.loadCount("k"); got != 1 {
		t.Fatalf("loader must run exactly once, got %d", got)
	}
	for i := range assets {
		if assets[i] != assets[0] {
			t.Fatalf("handle %d saw a different resource", i)
		}
	}
	if n := mustRefs(t, handles[0]); n != N {
		t.Fatalf("refs = %d, want %d", n, N)
	}
}

func TestCache_LoadFailureSharedAndKept(t *testing.T) {
	t.Parallel()

	boom := errors.New("network error")
	l := newFakeLoader()
	l.fail["bad"] = boom
	c := newTestCache(t, l)

	_, err1 := c.Get(context.Background(), "bad")
	_, err2 := c.Get(context.Background(), "bad")

	var le *LoadError
	if !errors.As(err1, &le) || le.Key != "bad" {
		t.Fatalf("want *LoadError for key bad, got %v", err1)
	}
	if !errors.Is(err1, ErrLoadFailed) || !errors.Is(err1, boom) {
		t.Fatalf("LoadError must match ErrLoadFailed and wrap the loader error: %v", err1)
	}
	if err1 != err2 {
		t.Fatal("every awaiter must see the same error")
	}
	if l.loadCount("bad") != 1 {
		t.Fatal("failed loads are not retried")
	}
	if !c.Contains("bad") {
		t.Fatal("failed entry stays resident until swept")
	}

	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if l.unloadCount() != 0 {
		t.Fatal("a failed load must never be unloaded")
	}
	if st := c.Stats(); st.LoadErrors != 1 {
		t.Fatalf("LoadErrors = %d", st.LoadErrors)
	}

	// After the sweep the key can be requested again.
	delete(l.fail, "bad")
	h := mustGet(t, c, "bad")
	_ = h.Dispose()
	if l.loadCount("bad") != 2 {
		t.Fatal("a swept key must load again")
	}
}

func TestCache_DeferredDestructionOnSlowLoad(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	l.gate = make(chan struct{})
	unloaded := make(chan string, 1)
	c := New[string, *texture](Options[string, *texture]{
		Loader:   l,
		OnUnload: func(k string, _ *texture) { unloaded <- k },
	})
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "slow")
		errc <- err
	}()

	waitFor(t, func() bool { return c.Contains("slow") })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("abandoned Get: want context.Canceled, got %v", err)
	}

	// refs == 0 with the load pending: the entry is swept now and destroyed later.
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep removed %d, want 1", n)
	}
	if l.unloadCount() != 0 {
		t.Fatal("nothing to unload before the load completes")
	}

	close(l.gate)
	select {
	case k := <-unloaded:
		if k != "slow" {
			t.Fatalf("unloaded %q", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred unload never ran")
	}
	time.Sleep(10 * time.Millisecond)
	if l.unloadCount() != 1 {
		t.Fatalf("unloads = %d, want exactly 1", l.unloadCount())
	}
}

func TestCache_DeferredDestructionSkippedOnFailure(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	l.gate = make(chan struct{})
	l.fail["slow"] = errors.New("404")
	c := newTestCache(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = c.Get(ctx, "slow") }()
	waitFor(t, func() bool { return c.Contains("slow") })
	cancel()

	c.Sweep()
	close(l.gate)
	waitFor(t, func() bool { return c.Stats().LoadErrors == 1 })
	if l.unloadCount() != 0 {
		t.Fatal("failed load must not be unloaded")
	}
}

func TestCache_WaiterSweptBeforeAcquire(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	l.gate = make(chan struct{})
	c := newTestCache(t, l)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Get(context.Background(), "k")
		errc <- err
	}()
	waitFor(t, func() bool { return c.Contains("k") })

	c.Sweep() // entry has no references yet
	close(l.gate)

	if err := <-errc; !errors.Is(err, ErrEntryDisposed) {
		t.Fatalf("want ErrEntryDisposed, got %v", err)
	}
	waitFor(t, func() bool { return l.unloadCount() == 1 })
}

func TestCache_GetAll(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := newTestCache(t, l)

	hs, err := c.GetAll(context.Background(), "a", "b", "c")
	if err != nil {
		t.Fatal(err)
	}
	for i, k := range []string{"a", "b", "c"} {
		tex, _ := hs[i].Asset()
		if tex.name != k {
			t.Fatalf("handle %d holds %q, want %q", i, tex.name, k)
		}
	}
}

func TestCache_GetAllReleasesOnFailure(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	l.fail["x"] = errors.New("x broke")
	l.fail["y"] = errors.New("y broke")
	c := newTestCache(t, l)

	hs, err := c.GetAll(context.Background(), "a", "x", "y")
	if err == nil || hs != nil {
		t.Fatal("GetAll must fail as a whole")
	}
	if !errors.Is(err, ErrLoadFailed) {
		t.Fatalf("combined error must match ErrLoadFailed: %v", err)
	}

	// "a" was acquired and then released, so all three entries are sweepable.
	if n := c.Sweep(); n != 3 {
		t.Fatalf("Sweep removed %d, want 3", n)
	}
}

func TestCache_NoLoader(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{})
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrNoLoader) {
		t.Fatalf("want ErrNoLoader, got %v", err)
	}
}

func TestCache_Close(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := New[string, *texture](Options[string, *texture]{Loader: l})

	held := mustGet(t, c, "held")
	idle := mustGet(t, c, "idle")
	_ = idle.Dispose()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal("Close must be idempotent")
	}
	if _, err := c.Get(context.Background(), "held"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close: want ErrClosed, got %v", err)
	}
	if c.Contains("idle") || !c.Contains("held") {
		t.Fatal("Close must sweep unreferenced entries only")
	}
	if _, err := held.Asset(); err != nil {
		t.Fatal("issued handles stay valid after Close")
	}
	_ = held.Dispose()
	if n := c.Sweep(); n != 1 {
		t.Fatalf("Sweep after Close removed %d, want 1", n)
	}
}

func TestCache_BackgroundSweeper(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := New[string, *texture](Options[string, *texture]{
		Loader:        l,
		SweepInterval: 5 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })

	h := mustGet(t, c, "k")
	tex, _ := h.Asset()
	_ = h.Dispose()

	waitFor(t, func() bool { return tex.destroyed.Load() })
	if c.Contains("k") {
		t.Fatal("sweeper must remove the entry")
	}
}

func TestCache_LoadTimeout(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	l.gate = make(chan struct{}) // never opened
	c := New[string, *texture](Options[string, *texture]{
		Loader:      l,
		LoadTimeout: 10 * time.Millisecond,
	})
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Get(context.Background(), "k")
	if !errors.Is(err, ErrLoadFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want LoadError wrapping DeadlineExceeded, got %v", err)
	}
}

func TestCache_StructKeys(t *testing.T) {
	t.Parallel()

	type key struct {
		bucket string
		id     int
	}
	var loads atomic.Int64
	c := New[key, string](Options[key, string]{
		Loader: LoaderFuncs[key, string]{
			LoadFunc: func(_ context.Context, k key) (string, error) {
				loads.Add(1)
				return fmt.Sprintf("%s/%d", k.bucket, k.id), nil
			},
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 3; i++ {
		h, err := c.Get(context.Background(), key{"b", 7})
		if err != nil {
			t.Fatal(err)
		}
		if v, _ := h.Asset(); v != "b/7" {
			t.Fatalf("asset = %q", v)
		}
	}
	if loads.Load() != 1 {
		t.Fatalf("loads = %d, want 1", loads.Load())
	}
}

func TestCache_StatsAndStringCache(t *testing.T) {
	t.Parallel()

	l := newFakeLoader()
	c := NewStringCache[*texture](l)
	t.Cleanup(func() { _ = c.Close() })

	h1 := mustGet(t, c, "a")
	h2 := mustGet(t, c, "a")
	_ = h1.Dispose()
	_ = h2.Dispose()
	c.Sweep()

	st := c.Stats()
	if st.Misses != 1 || st.Hits != 1 || st.Unloads != 1 || st.Swept != 1 || st.Entries != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
