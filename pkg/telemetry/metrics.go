// Package telemetry exposes Prometheus counters for the synchronization
// engine. Metrics are registered on the default registry and served by the
// app at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Refreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_refresh_total",
		Help: "Completed conversation refresh scans.",
	})
	RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_refresh_failures_total",
		Help: "Refresh scans that failed and reset the view.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_messages_sent_total",
		Help: "Messages appended to the attached log.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_send_failures_total",
		Help: "Message appends rejected by the log.",
	})
	DecodeDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_decode_degraded_total",
		Help: "Records that failed structured decode and fell back to raw content.",
	})
	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_poll_ticks_total",
		Help: "Periodic poll ticks fired while attached.",
	})
	PagesLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peerchat_pages_loaded_total",
		Help: "Older-page loads that materialized at least one record.",
	})
	EntriesMaterialized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peerchat_entries_materialized",
		Help: "Messages currently materialized in the conversation view.",
	})
)
