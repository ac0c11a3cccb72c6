package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crash_connected_peers",
		Help: "current websocket peer count",
	})
	BroadcastDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crash_broadcast_duration_seconds",
		Help:    "time spent fanning one snapshot out to all peers",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})
	PingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crash_ws_ping_latency_seconds",
		Help:    "ping/pong round trip per peer",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	DroppedMsgs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_dropped_msgs_total",
		Help: "messages dropped because a peer send queue was full",
	})
	BetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_bets_total",
		Help: "bet requests received",
	})
	CashoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crash_cashouts_total",
		Help: "cashout requests received",
	})
)

func init() {
	prometheus.MustRegister(ConnectedPeers, BroadcastDuration, PingLatency, DroppedMsgs, BetsTotal, CashoutsTotal)
}
