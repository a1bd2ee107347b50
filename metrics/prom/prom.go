// Package prom exports cache.Metrics signals to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/assetcache/cache"
)

// Adapter implements cache.Metrics on Prometheus collectors.
type Adapter struct {
	hits    prometheus.Counter
	misses  prometheus.Counter
	loads   *prometheus.HistogramVec
	unloads prometheus.Counter
	swept   prometheus.Counter
	sizeEnt prometheus.Gauge
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: ns, Subsystem: sub, Name: name, Help: help, ConstLabels: constLabels}
	}

	a := &Adapter{
		hits:    prometheus.NewCounter(prometheus.CounterOpts(opts("hits_total", "Gets served by an existing entry"))),
		misses:  prometheus.NewCounter(prometheus.CounterOpts(opts("misses_total", "Gets that created an entry and started a load"))),
		unloads: prometheus.NewCounter(prometheus.CounterOpts(opts("unloads_total", "Resources destroyed"))),
		swept:   prometheus.NewCounter(prometheus.CounterOpts(opts("swept_total", "Entries removed by Sweep"))),
		sizeEnt: prometheus.NewGauge(prometheus.GaugeOpts(opts("size_entries", "Number of resident entries"))),
		loads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "load_duration_seconds",
			Help:        "Loader.Load wall time by outcome",
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}
	reg.MustRegister(a.hits, a.misses, a.loads, a.unloads, a.swept, a.sizeEnt)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Load observes a finished load, labelled "ok" or "error".
func (a *Adapter) Load(d time.Duration, err error) {
	a.loads.WithLabelValues(outcome(err)).Observe(d.Seconds())
}

// Unload increments the unload counter.
func (a *Adapter) Unload() { a.unloads.Inc() }

// Sweep adds the number of entries a sweep removed.
func (a *Adapter) Sweep(removed int) { a.swept.Add(float64(removed)) }

// Size updates the resident entries gauge.
func (a *Adapter) Size(entries int) { a.sizeEnt.Set(float64(entries)) }

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

var _ cache.Metrics = (*Adapter)(nil)
