// Package pluginmetrics exposes the counters the ingest loop and
// publication engine touch per flush/resync: package-level promauto
// collectors registered once at import time.
package pluginmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntriesSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acctexport_entries_seen_total",
		Help: "The total number of committed cache entries seen by the publication engine",
	})

	QN = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acctexport_qn_total",
		Help: "The total number of records successfully published to the broker",
	})

	RingResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acctexport_ring_resyncs_total",
		Help: "The total number of ring sequence resyncs",
	})

	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acctexport_publish_errors_total",
		Help: "The total number of flush-fatal broker publish errors",
	})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "acctexport_flush_duration_seconds",
		Help:    "Time taken to complete one cache flush end to end",
		Buckets: prometheus.DefBuckets,
	})
)
