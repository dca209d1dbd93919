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

// Package stats collects factory-wide counters: sessions, flushes, statement
// and cache activity. Counters are lock-free and safe to bump from any
// goroutine; NewCollector exposes them to Prometheus.
package stats

import "sync/atomic"

// Counters accumulates totals over the lifetime of one session factory.
type Counters struct {
	sessionsOpened     atomic.Int64
	sessionsClosed     atomic.Int64
	transactions       atomic.Int64
	rollbacks          atomic.Int64
	flushes            atomic.Int64
	loads              atomic.Int64
	queries            atomic.Int64
	inserts            atomic.Int64
	updates            atomic.Int64
	deletes            atomic.Int64
	cacheHits          atomic.Int64
	cacheMisses        atomic.Int64
	cachePuts          atomic.Int64
	optimisticFailures atomic.Int64
}

func New() *Counters { return &Counters{} }

func (c *Counters) SessionOpened()     { c.sessionsOpened.Add(1) }
func (c *Counters) SessionClosed()     { c.sessionsClosed.Add(1) }
func (c *Counters) TransactionBegun()  { c.transactions.Add(1) }
func (c *Counters) TransactionRolledBack() { c.rollbacks.Add(1) }
func (c *Counters) Flushed()           { c.flushes.Add(1) }
func (c *Counters) EntityLoaded()      { c.loads.Add(1) }
func (c *Counters) QueryExecuted()     { c.queries.Add(1) }
func (c *Counters) EntityInserted()    { c.inserts.Add(1) }
func (c *Counters) EntityUpdated()     { c.updates.Add(1) }
func (c *Counters) EntityDeleted()     { c.deletes.Add(1) }
func (c *Counters) CacheHit()          { c.cacheHits.Add(1) }
func (c *Counters) CacheMiss()         { c.cacheMisses.Add(1) }
func (c *Counters) CachePut()          { c.cachePuts.Add(1) }
func (c *Counters) OptimisticFailure() { c.optimisticFailures.Add(1) }

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	SessionsOpened     int64 `json:"sessions_opened"`
	SessionsClosed     int64 `json:"sessions_closed"`
	Transactions       int64 `json:"transactions"`
	Rollbacks          int64 `json:"rollbacks"`
	Flushes            int64 `json:"flushes"`
	Loads              int64 `json:"loads"`
	Queries            int64 `json:"queries"`
	Inserts            int64 `json:"inserts"`
	Updates            int64 `json:"updates"`
	Deletes            int64 `json:"deletes"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`
	CachePuts          int64 `json:"cache_puts"`
	OptimisticFailures int64 `json:"optimistic_failures"`
}

// Read returns the current totals.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		SessionsOpened:     c.sessionsOpened.Load(),
		SessionsClosed:     c.sessionsClosed.Load(),
		Transactions:       c.transactions.Load(),
		Rollbacks:          c.rollbacks.Load(),
		Flushes:            c.flushes.Load(),
		Loads:              c.loads.Load(),
		Queries:            c.queries.Load(),
		Inserts:            c.inserts.Load(),
		Updates:            c.updates.Load(),
		Deletes:            c.deletes.Load(),
		CacheHits:          c.cacheHits.Load(),
		CacheMisses:        c.cacheMisses.Load(),
		CachePuts:          c.cachePuts.Load(),
		OptimisticFailures: c.optimisticFailures.Load(),
	}
}

// CacheHitRatio returns hits / (hits + misses), or 0 with no traffic.
func (s Snapshot) CacheHitRatio() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}
