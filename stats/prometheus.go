/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package stats

import "github.com/prometheus/client_golang/prometheus"

// collector adapts Counters to the Prometheus scrape model. All metrics are
// counters read on demand; nothing is pushed.
type collector struct {
	counters *Counters

	sessionsOpened     *prometheus.Desc
	sessionsClosed     *prometheus.Desc
	transactions       *prometheus.Desc
	rollbacks          *prometheus.Desc
	flushes            *prometheus.Desc
	loads              *prometheus.Desc
	queries            *prometheus.Desc
	statements         *prometheus.Desc
	cacheRequests      *prometheus.Desc
	cachePuts          *prometheus.Desc
	optimisticFailures *prometheus.Desc
}

// NewCollector wraps the counters for prometheus.Register. The namespace
// prefixes every metric name, typically "dormouse".
func NewCollector(counters *Counters, namespace string) prometheus.Collector {
	if namespace == "" {
		namespace = "dormouse"
	}
	name := func(s string) string { return prometheus.BuildFQName(namespace, "", s) }
	return &collector{
		counters: counters,
		sessionsOpened: prometheus.NewDesc(name("sessions_opened_total"),
			"Sessions opened by the factory.", nil, nil),
		sessionsClosed: prometheus.NewDesc(name("sessions_closed_total"),
			"Sessions closed.", nil, nil),
		transactions: prometheus.NewDesc(name("transactions_total"),
			"Transactions begun.", nil, nil),
		rollbacks: prometheus.NewDesc(name("rollbacks_total"),
			"Transactions rolled back.", nil, nil),
		flushes: prometheus.NewDesc(name("flushes_total"),
			"Flush cycles executed.", nil, nil),
		loads: prometheus.NewDesc(name("entity_loads_total"),
			"Entities loaded by id, natural id or unique key.", nil, nil),
		queries: prometheus.NewDesc(name("queries_total"),
			"Session queries executed.", nil, nil),
		statements: prometheus.NewDesc(name("statements_total"),
			"Write statements executed, labelled by kind.", []string{"kind"}, nil),
		cacheRequests: prometheus.NewDesc(name("cache_requests_total"),
			"Second-level cache lookups, labelled by result.", []string{"result"}, nil),
		cachePuts: prometheus.NewDesc(name("cache_puts_total"),
			"Second-level cache writes.", nil, nil),
		optimisticFailures: prometheus.NewDesc(name("optimistic_failures_total"),
			"Version checks that found a stale row.", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsOpened
	ch <- c.sessionsClosed
	ch <- c.transactions
	ch <- c.rollbacks
	ch <- c.flushes
	ch <- c.loads
	ch <- c.queries
	ch <- c.statements
	ch <- c.cacheRequests
	ch <- c.cachePuts
	ch <- c.optimisticFailures
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.counters.Read()
	counter := func(desc *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}
	counter(c.sessionsOpened, s.SessionsOpened)
	counter(c.sessionsClosed, s.SessionsClosed)
	counter(c.transactions, s.Transactions)
	counter(c.rollbacks, s.Rollbacks)
	counter(c.flushes, s.Flushes)
	counter(c.loads, s.Loads)
	counter(c.queries, s.Queries)
	counter(c.statements, s.Inserts, "insert")
	counter(c.statements, s.Updates, "update")
	counter(c.statements, s.Deletes, "delete")
	counter(c.cacheRequests, s.CacheHits, "hit")
	counter(c.cacheRequests, s.CacheMisses, "miss")
	counter(c.cachePuts, s.CachePuts)
	counter(c.optimisticFailures, s.OptimisticFailures)
}
