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

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersConcurrent(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.SessionOpened()
				c.EntityLoaded()
				c.CacheHit()
			}
		}()
	}
	wg.Wait()

	s := c.Read()
	assert.Equal(t, int64(800), s.SessionsOpened)
	assert.Equal(t, int64(800), s.Loads)
	assert.Equal(t, int64(800), s.CacheHits)
}

func TestCacheHitRatio(t *testing.T) {
	c := New()
	assert.Zero(t, c.Read().CacheHitRatio())

	c.CacheHit()
	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()
	assert.InDelta(t, 0.75, c.Read().CacheHitRatio(), 1e-9)
}

func TestCollectorRegistersAndGathers(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.EntityInserted()
	c.EntityUpdated()
	c.EntityUpdated()
	c.OptimisticFailure()

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(c, "dormouse_test")))

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, l := range m.GetLabel() {
				key += "{" + l.GetName() + "=" + l.GetValue() + "}"
			}
			byName[key] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), byName["dormouse_test_sessions_opened_total"])
	assert.Equal(t, float64(1), byName["dormouse_test_statements_total{kind=insert}"])
	assert.Equal(t, float64(2), byName["dormouse_test_statements_total{kind=update}"])
	assert.Equal(t, float64(1), byName["dormouse_test_optimistic_failures_total"])
}
