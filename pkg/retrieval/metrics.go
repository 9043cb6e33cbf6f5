// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retrieval

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is retrieval's slice of the engine's Prometheus surface. A nil
// *Metrics is valid everywhere its methods are called, so callers that
// don't wire metrics pay nothing beyond a nil check.
type Metrics struct {
	injections        prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	truncations       prometheus.Counter
	scoringDuration   prometheus.Histogram
	injectionDuration prometheus.Histogram
}

// NewMetrics registers retrieval's metrics on reg. A nil reg disables
// metrics entirely (NewMetrics returns nil); every method below is safe
// to call on a nil *Metrics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		injections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryengine",
			Subsystem: "retrieval",
			Name:      "injections_total",
			Help:      "Total number of inject_enhanced_memory calls",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryengine",
			Subsystem: "retrieval",
			Name:      "cache_hits_total",
			Help:      "Total number of result cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryengine",
			Subsystem: "retrieval",
			Name:      "cache_misses_total",
			Help:      "Total number of result cache misses",
		}),
		truncations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memoryengine",
			Subsystem: "retrieval",
			Name:      "truncations_total",
			Help:      "Total number of calls that hit the soft latency budget before scoring finished",
		}),
		scoringDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memoryengine",
			Subsystem: "retrieval",
			Name:      "scoring_duration_seconds",
			Help:      "Candidate scoring duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
		}),
		injectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memoryengine",
			Subsystem: "retrieval",
			Name:      "injection_duration_seconds",
			Help:      "End-to-end inject_enhanced_memory duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
		}),
	}
	reg.MustRegister(m.injections, m.cacheHits, m.cacheMisses, m.truncations,
		m.scoringDuration, m.injectionDuration)
	return m
}

func (m *Metrics) recordInjection(d time.Duration) {
	if m == nil {
		return
	}
	m.injections.Inc()
	m.injectionDuration.Observe(d.Seconds())
}

func (m *Metrics) recordScoring(d time.Duration) {
	if m == nil {
		return
	}
	m.scoringDuration.Observe(d.Seconds())
}

func (m *Metrics) recordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) recordCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) recordTruncation() {
	if m == nil {
		return
	}
	m.truncations.Inc()
}
