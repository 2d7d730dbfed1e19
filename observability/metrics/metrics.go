// Package metrics exposes the sync engine's Prometheus counters and
// histograms, registered lazily so importing this package never panics on
// duplicate registration in tests that construct multiple engines.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics implements hubsync.Metrics over a Prometheus registry.
type SyncMetrics struct {
	roundsTotal      *prometheus.CounterVec
	roundDuration    prometheus.Histogram
	divergenceDepth  prometheus.Histogram
	messagesMerged   prometheus.Counter
}

var (
	registerOnce sync.Once
	instance     *SyncMetrics
)

// Register builds and registers the sync engine's metrics against reg
// exactly once per process; subsequent calls return the same instance so
// repeated engine construction in tests does not panic on duplicate
// registration.
func Register(reg prometheus.Registerer) *SyncMetrics {
	registerOnce.Do(func() {
		m := &SyncMetrics{
			roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "hubsync",
				Name:      "rounds_total",
				Help:      "Sync rounds attempted, labeled by outcome.",
			}, []string{"outcome"}),
			roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "hubsync",
				Name:      "round_duration_seconds",
				Help:      "Wall-clock duration of a sync round.",
				Buckets:   prometheus.DefBuckets,
			}),
			divergenceDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "hubsync",
				Name:      "divergence_depth",
				Help:      "Trie prefix depth at which a sync round's divergence walk began.",
				Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
			}),
			messagesMerged: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "hubsync",
				Name:      "messages_merged_total",
				Help:      "Messages successfully merged from peers.",
			}),
		}
		reg.MustRegister(m.roundsTotal, m.roundDuration, m.divergenceDepth, m.messagesMerged)
		instance = m
	})
	return instance
}

// ObserveSyncRound implements hubsync.Metrics.
func (m *SyncMetrics) ObserveSyncRound(success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.roundsTotal.WithLabelValues(outcome).Inc()
	m.roundDuration.Observe(d.Seconds())
}

// ObserveDivergenceDepth implements hubsync.Metrics.
func (m *SyncMetrics) ObserveDivergenceDepth(depth int) {
	m.divergenceDepth.Observe(float64(depth))
}

// ObserveMessagesMerged implements hubsync.Metrics.
func (m *SyncMetrics) ObserveMessagesMerged(n int) {
	m.messagesMerged.Add(float64(n))
}
