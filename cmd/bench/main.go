// Command bench drives a get/clone/dispose workload against the cache with a
// simulated slow loader. Metrics are served for Prometheus and pprof can be
// enabled for profiling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IvanBrykalov/assetcache/cache"
	pmet "github.com/IvanBrykalov/assetcache/metrics/prom"
)

// blob is the simulated resource: a buffer that must be released.
type blob struct {
	key  string
	data []byte
}

type config struct {
	shards  int
	sweep   time.Duration
	workers int
	runFor  time.Duration
	clones  int // percent of gets followed by a Clone

	keys        int
	zipfS       float64
	seed        int64
	loadLatency time.Duration
	failPct     int
	blobSize    int

	pprofAddr, metricsAddr string
}

// counters are updated by the workers and printed at the end.
type counters struct {
	gets, failed, clones atomic.Uint64
	live                 atomic.Int64 // resources loaded and not yet unloaded
}

var errInjected = errors.New("injected load failure")

func main() {
	var cfg config
	flag.IntVar(&cfg.shards, "shards", 0, "shard count (0=auto)")
	flag.DurationVar(&cfg.sweep, "sweep", 100*time.Millisecond, "background sweep interval; 0 sweeps manually once a second")
	flag.IntVar(&cfg.workers, "workers", 2*runtime.GOMAXPROCS(0), "concurrent workers")
	flag.DurationVar(&cfg.runFor, "duration", 10*time.Second, "how long to run")
	flag.IntVar(&cfg.clones, "clones", 10, "percent of gets followed by a clone")
	flag.IntVar(&cfg.keys, "keys", 10_000, "number of distinct resources")
	flag.Float64Var(&cfg.zipfS, "zipf_s", 1.1, "Zipf skew (> 1)")
	flag.Int64Var(&cfg.seed, "seed", time.Now().UnixNano(), "random seed")
	flag.DurationVar(&cfg.loadLatency, "latency", 2*time.Millisecond, "simulated load latency")
	flag.IntVar(&cfg.failPct, "fail", 1, "percent of loads that fail")
	flag.IntVar(&cfg.blobSize, "blob", 4096, "bytes per loaded resource")
	flag.StringVar(&cfg.pprofAddr, "pprof", "", "pprof listen address, empty disables")
	flag.StringVar(&cfg.metricsAddr, "http", ":8080", "Prometheus metrics listen address")
	flag.Parse()
	cfg.workers = max(cfg.workers, 1)
	cfg.keys = max(cfg.keys, 1)

	serve(cfg)

	var cnt counters
	c := cache.New[string, *blob](cache.Options[string, *blob]{
		Shards:        cfg.shards,
		SweepInterval: cfg.sweep,
		Metrics:       pmet.New(nil, "assetcache", "bench", nil),
		Loader:        blobLoader(cfg, &cnt),
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.runFor)
	defer cancel()
	if cfg.sweep <= 0 {
		go sweepEverySecond(ctx, c)
	}

	start := time.Now()
	var wg sync.WaitGroup
	for id := range cfg.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			work(ctx, c, cfg, id, &cnt)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	_ = c.Close()

	report(cfg, c.Stats(), &cnt, elapsed)
}

// serve starts the pprof and metrics listeners on DefaultServeMux.
func serve(cfg config) {
	http.Handle("/metrics", promhttp.Handler())
	for _, addr := range []string{cfg.pprofAddr, cfg.metricsAddr} {
		if addr == "" {
			continue
		}
		go func() {
			log.Printf("serving /metrics and /debug/pprof at %s", addr)
			log.Println(http.ListenAndServe(addr, nil))
		}()
	}
}

func blobLoader(cfg config, cnt *counters) cache.Loader[string, *blob] {
	return cache.LoaderFuncs[string, *blob]{
		LoadFunc: func(ctx context.Context, k string) (*blob, error) {
			t := time.NewTimer(cfg.loadLatency)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if rand.Intn(100) < cfg.failPct {
				return nil, errInjected
			}
			cnt.live.Add(1)
			return &blob{key: k, data: make([]byte, cfg.blobSize)}, nil
		},
		UnloadFunc: func(b *blob) {
			b.data = nil
			cnt.live.Add(-1)
		},
	}
}

func sweepEverySecond(ctx context.Context, c cache.Cache[string, *blob]) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

// work runs one worker until ctx ends. rand.Rand is not goroutine-safe, so
// each worker owns its generator.
func work(ctx context.Context, c cache.Cache[string, *blob], cfg config, id int, cnt *counters) {
	r := rand.New(rand.NewSource(cfg.seed + int64(id)*9973))
	zipf := rand.NewZipf(r, cfg.zipfS, 1, uint64(cfg.keys-1))

	for ctx.Err() == nil {
		cnt.gets.Add(1)
		h, err := c.Get(ctx, "tex:"+strconv.FormatUint(zipf.Uint64(), 10))
		if err != nil {
			cnt.failed.Add(1)
			continue
		}
		if r.Intn(100) < cfg.clones {
			if cl, err := h.Clone(); err == nil {
				cnt.clones.Add(1)
				_ = cl.Dispose()
			}
		}
		_ = h.Dispose()
	}
}

func report(cfg config, st cache.Stats, cnt *counters, elapsed time.Duration) {
	hitRate := 0.0
	if total := st.Hits + st.Misses; total > 0 {
		hitRate = float64(st.Hits) / float64(total) * 100
	}
	gets := cnt.gets.Load()

	fmt.Printf("workers=%d keys=%d dur=%v seed=%d latency=%v fail=%d%%\n",
		cfg.workers, cfg.keys, elapsed, cfg.seed, cfg.loadLatency, cfg.failPct)
	fmt.Printf("gets=%d (%.0f/s) failed=%d clones=%d\n",
		gets, float64(gets)/elapsed.Seconds(), cnt.failed.Load(), cnt.clones.Load())
	fmt.Printf("hits=%d misses=%d hit-rate=%.2f%% load-errors=%d\n", st.Hits, st.Misses, hitRate, st.LoadErrors)
	fmt.Printf("swept=%d unloads=%d resident=%d live=%d\n", st.Swept, st.Unloads, st.Entries, cnt.live.Load())
}
