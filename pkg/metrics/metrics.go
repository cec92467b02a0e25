// Package metrics provides optional Prometheus instrumentation for the
// storage engine. A nil *Collector is valid and every method is a no-op
// on it, so the engine never depends on metrics being wired up.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus metrics for one database instance.
// Construct with New(namespace, reg); when reg is non-nil the collector
// registers itself with that caller-owned *prometheus.Registry. Nothing
// here touches the global default registry.
type Collector struct {
	CommitsTotal      *prometheus.CounterVec
	CommitDuration    prometheus.Histogram
	CheckpointsTotal  prometheus.Counter
	RecoveriesTotal   prometheus.Counter
	PageAllocsTotal   prometheus.Counter
	PageFreesTotal    prometheus.Counter
	BTreeSplitsTotal  *prometheus.CounterVec
	BTreeMergesTotal  *prometheus.CounterVec
	WALBytesTotal     prometheus.Counter
}

// New creates and registers a Collector under namespace. Pass the returned
// Collector's Registerer-compatible metrics into reg, or nil to skip
// registration (useful in tests that construct many short-lived engines).
func New(namespace string, reg prometheus.Registerer) *Collector {
	c := &Collector{
		CommitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_total", Help: "Total committed transactions, by outcome.",
		}, []string{"outcome"}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_duration_seconds", Help: "Commit latency including WAL flush.",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_total", Help: "Total checkpoints run.",
		}),
		RecoveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recoveries_total", Help: "Total WAL recovery passes run at open.",
		}),
		PageAllocsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "page_allocs_total", Help: "Total pages allocated.",
		}),
		PageFreesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "page_frees_total", Help: "Total pages freed.",
		}),
		BTreeSplitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "btree_splits_total", Help: "Total B+Tree node splits, by node kind.",
		}, []string{"kind"}),
		BTreeMergesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "btree_merges_total", Help: "Total B+Tree node merges, by node kind.",
		}, []string{"kind"}),
		WALBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wal_bytes_total", Help: "Total bytes appended to the WAL.",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.CommitsTotal, c.CommitDuration, c.CheckpointsTotal, c.RecoveriesTotal,
			c.PageAllocsTotal, c.PageFreesTotal, c.BTreeSplitsTotal, c.BTreeMergesTotal, c.WALBytesTotal)
	}
	return c
}

func (c *Collector) ObserveCommit(start time.Time, ok bool) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.CommitsTotal.WithLabelValues(outcome).Inc()
	c.CommitDuration.Observe(time.Since(start).Seconds())
}

func (c *Collector) IncCheckpoint() {
	if c == nil {
		return
	}
	c.CheckpointsTotal.Inc()
}

func (c *Collector) IncRecovery() {
	if c == nil {
		return
	}
	c.RecoveriesTotal.Inc()
}

func (c *Collector) IncPageAlloc() {
	if c == nil {
		return
	}
	c.PageAllocsTotal.Inc()
}

func (c *Collector) IncPageFree() {
	if c == nil {
		return
	}
	c.PageFreesTotal.Inc()
}

func (c *Collector) IncSplit(kind string) {
	if c == nil {
		return
	}
	c.BTreeSplitsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) IncMerge(kind string) {
	if c == nil {
		return
	}
	c.BTreeMergesTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) AddWALBytes(n int) {
	if c == nil {
		return
	}
	c.WALBytesTotal.Add(float64(n))
}
