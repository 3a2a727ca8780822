package swr

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// MetricSet is the Prometheus instrumentation for a SWR instance, shaped
// after the teacher's MetricSet (Hit/Latency/Error CounterVec/HistogramVec)
// with two additions the teacher's single-process Get doesn't need:
// Validating (entries currently mid-fetch) and Retries (attempts beyond
// the first, per key).
type MetricSet struct {
	Hit        *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Error      *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	Validating prometheus.Gauge
	Entries    prometheus.Gauge
}

var latencyBuckets = []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

const (
	hitLabelSource   = "source"
	hitSourceMemory  = "memory"
	hitSourceStore   = "store"
	hitSourceFetch   = "fetch"
	errLabelWhen     = "when"
	errWhenFetch     = "fetch"
	errWhenPersist   = "persist"
	errWhenTerminal  = "terminal"
)

// newMetricSet builds and, if enableStats, registers a MetricSet namespaced
// by appName, exactly the way the teacher's NewCache builds its stats —
// duplicate-registration errors are logged, not fatal, since a process may
// construct more than one SWR sharing a registry.
func newMetricSet(appName string, enableStats bool) *MetricSet {
	m := &MetricSet{
		Hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_swr_hit_total", appName),
			Help: "Cache reads by source: memory, store, fetch.",
		}, []string{hitLabelSource}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_swr_fetch_latency_ms", appName),
			Help:    "Fetch latency in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{hitLabelSource}),
		Error: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_swr_error_total", appName),
			Help: "Errors by phase: fetch, persist, terminal.",
		}, []string{errLabelWhen}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_swr_retry_total", appName),
			Help: "Retry attempts beyond the first, per key.",
		}, []string{"key"}),
		Validating: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_swr_validating", appName),
			Help: "Entries currently mid-fetch.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_swr_entries", appName),
			Help: "Live cache entries.",
		}),
	}
	if !enableStats {
		return m
	}
	for _, c := range []prometheus.Collector{m.Hit, m.Latency, m.Error, m.Retries, m.Validating, m.Entries} {
		if err := prometheus.Register(c); err != nil {
			log.Err(err).Msg("swr: failed to register prometheus collector")
		}
	}
	return m
}

func (m *MetricSet) unregister() {
	prometheus.Unregister(m.Hit)
	prometheus.Unregister(m.Latency)
	prometheus.Unregister(m.Error)
	prometheus.Unregister(m.Retries)
	prometheus.Unregister(m.Validating)
	prometheus.Unregister(m.Entries)
}
