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
	"fmt"

	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/stats"
	"github.com/tomoncle/dormouse/types"
	"golang.org/x/sync/singleflight"
)

// CachedEntity is the disassembled form stored in the second-level cache:
// the state-field snapshot and the row version. Live pointers never enter
// the cache.
type CachedEntity struct {
	State   []interface{}
	Version interface{}
}

// Disassemble snapshots an instance into its cacheable form.
func Disassemble(entity *meta.Entity, instance interface{}) (*CachedEntity, error) {
	state, err := entity.CopyState(instance)
	if err != nil {
		return nil, err
	}
	ce := &CachedEntity{State: state}
	if entity.Versioned() {
		v, err := entity.VersionValue(instance)
		if err != nil {
			return nil, err
		}
		ce.Version = v
	}
	return ce, nil
}

// Assemble writes the cached state onto a fresh instance. The caller sets
// the id, which is not part of the state fields.
func (ce *CachedEntity) Assemble(entity *meta.Entity, instance interface{}) error {
	return entity.ApplyState(instance, ce.State)
}

// Accessor is the gate every session goes through: it applies the entity's
// cacheable flag and the session's CacheMode, counts hits and misses, and
// collapses concurrent misses for the same row into one database load.
type Accessor struct {
	provider Provider
	counters *stats.Counters
	group    singleflight.Group
}

// NewAccessor wraps a provider. counters may be nil.
func NewAccessor(provider Provider, counters *stats.Counters) *Accessor {
	if provider == nil {
		provider = NewNoopProvider()
	}
	return &Accessor{provider: provider, counters: counters}
}

func (a *Accessor) region(entity *meta.Entity) Region {
	name := entity.CacheRegion
	if name == "" {
		name = entity.Name
	}
	return a.provider.Region(name)
}

// Key builds the region key for one row.
func Key(entity *meta.Entity, id interface{}) string {
	return fmt.Sprintf("%s#%v", entity.Name, id)
}

// Get returns the cached snapshot when the entity is cacheable and the mode
// permits reads.
func (a *Accessor) Get(entity *meta.Entity, id interface{}, mode types.CacheMode) (*CachedEntity, bool) {
	if !entity.Cacheable || !mode.Reads() {
		return nil, false
	}
	v, ok := a.region(entity).Get(Key(entity, id))
	if !ok {
		if a.counters != nil {
			a.counters.CacheMiss()
		}
		return nil, false
	}
	ce, ok := v.(*CachedEntity)
	if !ok {
		return nil, false
	}
	if a.counters != nil {
		a.counters.CacheHit()
	}
	return ce, true
}

// Put stores a snapshot when the entity is cacheable and the mode permits
// writes. Sessions call it from after-commit callbacks.
func (a *Accessor) Put(entity *meta.Entity, id interface{}, ce *CachedEntity, mode types.CacheMode) {
	if !entity.Cacheable || !mode.Writes() || ce == nil {
		return
	}
	a.region(entity).Put(Key(entity, id), ce)
	if a.counters != nil {
		a.counters.CachePut()
	}
}

// Evict drops one row.
func (a *Accessor) Evict(entity *meta.Entity, id interface{}) {
	if !entity.Cacheable {
		return
	}
	a.region(entity).Evict(Key(entity, id))
}

// EvictEntity drops every cached row of one entity's region, along with its
// natural-id resolutions.
func (a *Accessor) EvictEntity(entity *meta.Entity) {
	if !entity.Cacheable {
		return
	}
	a.region(entity).EvictAll()
	a.naturalIDRegion(entity).EvictAll()
}

// EvictRegion drops a region by name, together with its natural-id companion.
// Entities sharing the region are all affected.
func (a *Accessor) EvictRegion(name string) {
	if name == "" {
		return
	}
	a.provider.Region(name).EvictAll()
	a.provider.Region(name + ".natural_ids").EvictAll()
}

// --- natural-id resolution region ---
//
// Natural-id tuples resolve to primary keys in a companion region so a
// by-natural-id lookup can skip the resolution SELECT across sessions. The
// cached value is the id, never entity state.

func (a *Accessor) naturalIDRegion(entity *meta.Entity) Region {
	name := entity.CacheRegion
	if name == "" {
		name = entity.Name
	}
	return a.provider.Region(name + ".natural_ids")
}

// NaturalIDKey builds the region key for one natural-id tuple.
func NaturalIDKey(entity *meta.Entity, values []interface{}) string {
	return fmt.Sprintf("%s#%v", entity.Name, values)
}

// GetNaturalID resolves a cached tuple to its primary key.
func (a *Accessor) GetNaturalID(entity *meta.Entity, values []interface{}, mode types.CacheMode) (interface{}, bool) {
	if !entity.Cacheable || !mode.Reads() {
		return nil, false
	}
	id, ok := a.naturalIDRegion(entity).Get(NaturalIDKey(entity, values))
	if a.counters != nil {
		if ok {
			a.counters.CacheHit()
		} else {
			a.counters.CacheMiss()
		}
	}
	return id, ok
}

// PutNaturalID publishes a tuple-to-id resolution.
func (a *Accessor) PutNaturalID(entity *meta.Entity, values []interface{}, id interface{}, mode types.CacheMode) {
	if !entity.Cacheable || !mode.Writes() || id == nil {
		return
	}
	a.naturalIDRegion(entity).Put(NaturalIDKey(entity, values), id)
}

// EvictNaturalID drops one cached resolution.
func (a *Accessor) EvictNaturalID(entity *meta.Entity, values []interface{}) {
	if !entity.Cacheable {
		return
	}
	a.naturalIDRegion(entity).Evict(NaturalIDKey(entity, values))
}

// LoadThrough deduplicates concurrent loads of the same key across sessions:
// the first caller runs fn, the rest share its result.
func (a *Accessor) LoadThrough(key string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, _ := a.group.Do(key, fn)
	return v, err
}

// Close releases the underlying provider.
func (a *Accessor) Close() error {
	return a.provider.Close()
}
