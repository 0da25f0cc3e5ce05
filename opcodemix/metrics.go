/*
	Copyright 2025 Google Inc.

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

			http://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package opcodemix

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "opcode_mix"

type metrics struct {
	instructions         prometheus.Counter
	decodes              prometheus.Counter
	cacheHits            prometheus.Counter
	shards               prometheus.Counter
	shardErrors          prometheus.Counter
	outstandingSnapshots prometheus.Gauge
}

// Returns a new metrics set registered with reg.  A nil reg leaves the
// metrics unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		instructions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "instructions_total",
			Help:      "Instructions counted across all finished shards.",
		}),
		decodes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decodes_total",
			Help:      "Instructions decoded because they missed their shard's decode cache.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_cache_hits_total",
			Help:      "Instructions classified from their shard's decode cache.",
		}),
		shards: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shards_total",
			Help:      "Shards that have finished processing.",
		}),
		shardErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "shard_errors_total",
			Help:      "Shards that finished in error.",
		}),
		outstandingSnapshots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "outstanding_interval_snapshots",
			Help:      "Interval snapshots captured but not yet released.",
		}),
	}
}

// Accounts for a finished shard.
func (m *metrics) recordShard(sd *ShardData) {
	stats := sd.CacheStats()
	m.instructions.Add(float64(sd.counts.Instructions))
	m.decodes.Add(float64(stats.Misses))
	m.cacheHits.Add(float64(stats.Hits))
	m.shards.Inc()
	if sd.State() == ShardError {
		m.shardErrors.Inc()
	}
}
