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

package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultRegionSize bounds each region when no size is configured.
const DefaultRegionSize = 1024

// LRUProvider keeps one size-bounded, optionally expiring LRU per region.
// Regions are created on first use and share the provider's capacity and TTL
// settings.
type LRUProvider struct {
	size int
	ttl  time.Duration

	mu      sync.Mutex
	regions map[string]*lruRegion
}

// NewLRUProvider builds a provider with the given per-region capacity and
// entry TTL. A zero ttl disables expiry, a non-positive size falls back to
// DefaultRegionSize.
func NewLRUProvider(size int, ttl time.Duration) *LRUProvider {
	if size <= 0 {
		size = DefaultRegionSize
	}
	return &LRUProvider{
		size:    size,
		ttl:     ttl,
		regions: make(map[string]*lruRegion),
	}
}

func (p *LRUProvider) Region(name string) Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.regions[name]; ok {
		return r
	}
	r := &lruRegion{
		entries: expirable.NewLRU[string, interface{}](p.size, nil, p.ttl),
	}
	p.regions[name] = r
	return r
}

// Close drops every region.
func (p *LRUProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, r := range p.regions {
		r.EvictAll()
		delete(p.regions, name)
	}
	return nil
}

type lruRegion struct {
	entries *expirable.LRU[string, interface{}]
}

func (r *lruRegion) Get(key string) (interface{}, bool) { return r.entries.Get(key) }
func (r *lruRegion) Put(key string, value interface{})  { r.entries.Add(key, value) }
func (r *lruRegion) Evict(key string)                   { r.entries.Remove(key) }
func (r *lruRegion) EvictAll()                          { r.entries.Purge() }
func (r *lruRegion) Len() int                           { return r.entries.Len() }
