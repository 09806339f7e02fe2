// SPDX-License-Identifier: AGPL-3.0-or-later
// Federation - peer-to-peer ring overlay substrate
// Copyright (C) 2026 Federation Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus registry: the KV-store series
// carried over from the key-value layer, plus one family per federation
// core component.
type Metrics struct {
	// KV Store metrics
	KVOperationsTotal   *prometheus.CounterVec
	KVOperationDuration *prometheus.HistogramVec
	KVKeysTotal         prometheus.Gauge
	KVExpiredKeysTotal  prometheus.Counter
	KVCleanupDuration   prometheus.Histogram

	// Ring metrics
	RingSize        prometheus.Gauge
	RingComplete    prometheus.Gauge
	RingPartnersSet *prometheus.CounterVec

	// Token metrics
	TokenTransfersTotal *prometheus.CounterVec
	TokenRecoveryTotal  prometheus.Counter
	TokenRangeWidth     prometheus.Gauge

	// Join metrics
	JoinAttemptsTotal  *prometheus.CounterVec
	JoinDuration       prometheus.Histogram
	JoinThrottleActive prometheus.Gauge
	JoinThrottleQueued prometheus.Gauge

	// Routing metrics
	RoutingHopsTotal     *prometheus.CounterVec
	RoutingHopCount      prometheus.Histogram
	RoutingHoldingLength prometheus.Gauge

	// Broadcast/multicast metrics
	BroadcastCompletedTotal  *prometheus.CounterVec
	MulticastTargetsResolved *prometheus.CounterVec
}

// NewMetrics constructs and registers the process's metric set.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		KVOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_operations_total",
			Help: "The total number of KV operations performed",
		}, []string{"operation", "status"}),
		KVOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kv_operation_duration_seconds",
			Help:    "Duration of KV operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		KVKeysTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kv_keys_total",
			Help: "The current number of keys in the KV store",
		}),
		KVExpiredKeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kv_expired_keys_total",
			Help: "The total number of expired keys cleaned up",
		}),
		KVCleanupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kv_cleanup_duration_seconds",
			Help:    "Duration of KV cleanup operations",
			Buckets: prometheus.DefBuckets,
		}),

		RingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_ring_size",
			Help: "The number of known partners in the local neighborhood view",
		}),
		RingComplete: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_ring_complete",
			Help: "1 if both ring edges are complete, 0 otherwise",
		}),
		RingPartnersSet: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_ring_partner_considered_total",
			Help: "The total number of Consider() upserts applied to the ring",
		}, []string{"phase"}),

		TokenTransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_token_transfers_total",
			Help: "The total number of routing token transfers, by direction",
		}, []string{"direction"}),
		TokenRecoveryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "federation_token_recovery_total",
			Help: "The total number of unilateral token recoveries performed",
		}),
		TokenRangeWidth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_token_range_width",
			Help: "The width, as a fraction of the ring, of the locally owned token range",
		}),

		JoinAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_join_attempts_total",
			Help: "The total number of join attempts, by outcome",
		}, []string{"outcome"}),
		JoinDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_join_duration_seconds",
			Help:    "Time from Open() to reaching the Routing phase",
			Buckets: prometheus.DefBuckets,
		}),
		JoinThrottleActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_join_throttle_active",
			Help: "The number of joiners this node is currently admitting for",
		}),
		JoinThrottleQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_join_throttle_queued",
			Help: "The number of joiners queued behind the throttle watermark",
		}),

		RoutingHopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_routing_hops_total",
			Help: "The total number of routing hops attempted, by outcome",
		}, []string{"outcome"}),
		RoutingHopCount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_routing_hop_count",
			Help:    "The number of hops a routed message took end to end",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16, 24},
		}),
		RoutingHoldingLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "federation_routing_holding_length",
			Help: "The number of messages currently parked awaiting a ring or token change",
		}),

		BroadcastCompletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_broadcast_completed_total",
			Help: "The total number of broadcasts that reached every assigned sub-range",
		}, []string{"result"}),
		MulticastTargetsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "federation_multicast_targets_resolved_total",
			Help: "The total number of multicast targets resolved, by result",
		}, []string{"result"}),
	}
	metrics.register()
	return metrics
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.KVOperationsTotal,
		m.KVOperationDuration,
		m.KVKeysTotal,
		m.KVExpiredKeysTotal,
		m.KVCleanupDuration,
		m.RingSize,
		m.RingComplete,
		m.RingPartnersSet,
		m.TokenTransfersTotal,
		m.TokenRecoveryTotal,
		m.TokenRangeWidth,
		m.JoinAttemptsTotal,
		m.JoinDuration,
		m.JoinThrottleActive,
		m.JoinThrottleQueued,
		m.RoutingHopsTotal,
		m.RoutingHopCount,
		m.RoutingHoldingLength,
		m.BroadcastCompletedTotal,
		m.MulticastTargetsResolved,
	)
}

// KV Store metrics methods
func (m *Metrics) RecordKVOperation(operation, status string, duration float64) {
	m.KVOperationsTotal.WithLabelValues(operation, status).Inc()
	m.KVOperationDuration.WithLabelValues(operation).Observe(duration)
}

func (m *Metrics) SetKVKeysTotal(count float64) {
	m.KVKeysTotal.Set(count)
}

func (m *Metrics) IncrementKVExpiredKeys(count float64) {
	m.KVExpiredKeysTotal.Add(count)
}

func (m *Metrics) RecordKVCleanup(duration float64) {
	m.KVCleanupDuration.Observe(duration)
}

// SetRingState records the current neighborhood size and completeness.
func (m *Metrics) SetRingState(size int, complete bool) {
	m.RingSize.Set(float64(size))
	if complete {
		m.RingComplete.Set(1)
	} else {
		m.RingComplete.Set(0)
	}
}

// RecordPartnerConsidered increments the per-phase partner-upsert counter.
func (m *Metrics) RecordPartnerConsidered(phase string) {
	m.RingPartnersSet.WithLabelValues(phase).Inc()
}

// RecordTokenTransfer increments the transfer counter for a merge or split.
func (m *Metrics) RecordTokenTransfer(direction string) {
	m.TokenTransfersTotal.WithLabelValues(direction).Inc()
}

// RecordTokenRecovery increments the unilateral-recovery counter.
func (m *Metrics) RecordTokenRecovery() {
	m.TokenRecoveryTotal.Inc()
}

// RecordJoinAttempt increments the join-attempt counter for an outcome.
func (m *Metrics) RecordJoinAttempt(outcome string, duration float64) {
	m.JoinAttemptsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.JoinDuration.Observe(duration)
	}
}

// RecordRoutingHop increments the per-outcome hop counter.
func (m *Metrics) RecordRoutingHop(outcome string) {
	m.RoutingHopsTotal.WithLabelValues(outcome).Inc()
}

// RecordBroadcastResult increments the per-result broadcast counter.
func (m *Metrics) RecordBroadcastResult(result string) {
	m.BroadcastCompletedTotal.WithLabelValues(result).Inc()
}

// RecordMulticastTargets increments the per-result multicast target counter by n.
func (m *Metrics) RecordMulticastTargets(result string, n int) {
	m.MulticastTargetsResolved.WithLabelValues(result).Add(float64(n))
}
