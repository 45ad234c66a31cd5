/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package shm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcome labels.
const (
	outcomeOK            = "ok"
	outcomeTimeout       = "timeout"
	outcomeAbend         = "abend"
	outcomeBusy          = "busy"
	outcomeBreakerOpen   = "breaker_open"
	outcomePoolExhausted = "pool_exhausted"
	outcomeError         = "error"
	outcomeDropped       = "dropped"
)

// ClientMetrics collects the caller-side transport metrics. Passing a nil
// registerer creates working but unregistered collectors.
type ClientMetrics struct {
	CallsTotal   *prometheus.CounterVec
	CallSeconds  *prometheus.HistogramVec
	InFlight     *prometheus.GaugeVec
	BreakerState *prometheus.GaugeVec
}

// NewClientMetrics builds and registers the caller-side collectors.
func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	f := promauto.With(reg)
	return &ClientMetrics{
		CallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "calls_total",
			Help:      "Remote calls by destination and outcome.",
		}, []string{"server", "outcome"}),
		CallSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "call_duration_seconds",
			Help:      "Remote call latency by destination.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"server"}),
		InFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "inflight_calls",
			Help:      "Admitted calls per destination not yet completed.",
		}, []string{"server"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "breaker_state",
			Help:      "Destination breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"server"}),
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

// observePool registers gauges that track the pool occupancy. The gauges
// read the pool lazily at scrape time.
func (m *ClientMetrics) observePool(reg prometheus.Registerer, pool *Pool) {
	if reg == nil {
		return
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "celix",
		Subsystem: "rsa_shm",
		Name:      "pool_slots_in_use",
		Help:      "Pool slots currently held by in-flight calls.",
	}, func() float64 {
		_, inUse, _ := pool.Stats()
		return float64(inUse)
	})
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "celix",
		Subsystem: "rsa_shm",
		Name:      "pool_slots_quarantined",
		Help:      "Pool slots waiting for a late callee before reuse.",
	}, func() float64 {
		_, _, q := pool.Stats()
		return float64(q)
	})
}

// ServerMetrics collects the provider-side transport metrics.
type ServerMetrics struct {
	RequestsTotal  *prometheus.CounterVec
	HandlerSeconds prometheus.Histogram
	OpenSegments   prometheus.Gauge
}

// NewServerMetrics builds and registers the provider-side collectors.
func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	f := promauto.With(reg)
	return &ServerMetrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "server_requests_total",
			Help:      "Inbound requests by outcome.",
		}, []string{"outcome"}),
		HandlerSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "server_handler_duration_seconds",
			Help:      "Inbound request handling latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		OpenSegments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "celix",
			Subsystem: "rsa_shm",
			Name:      "server_open_segments",
			Help:      "Peer pool segments currently mapped.",
		}),
	}
}
