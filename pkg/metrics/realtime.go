// Package metrics exposes Prometheus collectors for the realtime core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Realtime holds Prometheus metrics for the realtime coordination core
type Realtime struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	StaleEvictions    prometheus.Counter
	PresenceOnline    prometheus.Gauge

	// Matchmaking metrics
	WaitingPoolSize  prometheus.Gauge
	MatchesTotal     prometheus.Counter
	MatchesRejected  *prometheus.CounterVec
	StalePartners    prometheus.Counter

	// Call metrics
	CallsActive   prometheus.Gauge
	CallsTotal    *prometheus.CounterVec
	CallsEnded    *prometheus.CounterVec
	CallDuration  prometheus.Histogram

	// Signaling metrics
	SignalsRelayed *prometheus.CounterVec
	ICEBatches     prometheus.Counter
	ICECandidates  prometheus.Counter

	// Receipt metrics
	ReceiptsTotal *prometheus.CounterVec
}

// NewRealtime creates and registers all realtime metrics
func NewRealtime(serviceName string) *Realtime {
	labels := prometheus.Labels{"service": serviceName}

	return &Realtime{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "realtime_connections_active",
			Help:        "Number of live WebSocket connections",
			ConstLabels: labels,
		}),
		StaleEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "realtime_stale_evictions_total",
			Help:        "Connections evicted by the heartbeat sweeper",
			ConstLabels: labels,
		}),
		PresenceOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "realtime_presence_online",
			Help:        "Connections mirrored as online in the presence store",
			ConstLabels: labels,
		}),
		WaitingPoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "matchmaking_waiting_pool_size",
			Help:        "Current depth of the matchmaking waiting pool",
			ConstLabels: labels,
		}),
		MatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "matchmaking_matches_total",
			Help:        "Total successful pairings",
			ConstLabels: labels,
		}),
		MatchesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "matchmaking_requests_rejected_total",
			Help:        "Matchmaking requests rejected, by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		StalePartners: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "matchmaking_stale_partners_total",
			Help:        "Waiting pool entries discarded as stale during pairing",
			ConstLabels: labels,
		}),
		CallsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "calls_active",
			Help:        "Calls currently tracked in the active call index",
			ConstLabels: labels,
		}),
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_initiated_total",
			Help:        "Calls initiated, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		CallsEnded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "calls_terminated_total",
			Help:        "Calls reaching a terminal status, by status",
			ConstLabels: labels,
		}, []string{"status"}),
		CallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "call_duration_seconds",
			Help:        "Duration of ended calls in seconds",
			ConstLabels: labels,
			Buckets:     []float64{10, 30, 60, 180, 600, 1800, 3600},
		}),
		SignalsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "signals_relayed_total",
			Help:        "Signaling payloads relayed, by type",
			ConstLabels: labels,
		}, []string{"type"}),
		ICEBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ice_batches_flushed_total",
			Help:        "ICE candidate batches flushed",
			ConstLabels: labels,
		}),
		ICECandidates: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "ice_candidates_batched_total",
			Help:        "ICE candidates passed through the batcher",
			ConstLabels: labels,
		}),
		ReceiptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name:        "message_receipts_total",
			Help:        "Delivery/read receipts recorded, by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
}
