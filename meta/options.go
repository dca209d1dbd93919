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

package meta

import "github.com/tomoncle/dormouse/types"

// Option customizes one entity registration. Options win over dm tag values.
type Option func(*Entity)

// WithIDGenerator selects the identifier strategy by name, e.g. "uuid",
// "identity", "hilo", "sequence" or "assigned".
func WithIDGenerator(name string) Option {
	return func(e *Entity) { e.IDStrategy = name }
}

// WithBatchSize sets how many pending lazy loads of this type are fetched in
// one SELECT ... IN query.
func WithBatchSize(n int) Option {
	return func(e *Entity) {
		if n > 0 {
			e.BatchSize = n
		}
	}
}

// WithCacheable enables second-level caching for the entity.
func WithCacheable() Option {
	return func(e *Entity) { e.Cacheable = true }
}

// WithCacheRegion enables caching and stores entries in the named region.
func WithCacheRegion(region string) Option {
	return func(e *Entity) {
		e.Cacheable = true
		e.CacheRegion = region
	}
}

// WithReadOnly marks every loaded instance read-only: no snapshots are taken
// and flushes never produce UPDATEs for it.
func WithReadOnly() Option {
	return func(e *Entity) { e.ReadOnly = true }
}

// WithCascade overrides the cascade mask of the named relation field.
func WithCascade(goField string, mask types.CascadeKind) Option {
	return func(e *Entity) {
		if r := e.Relation(goField); r != nil {
			r.Cascade = mask
		}
	}
}

// WithOrphanRemoval deletes children that disappear from the named has-many
// collection instead of dissociating them.
func WithOrphanRemoval(goField string) Option {
	return func(e *Entity) {
		if r := e.Relation(goField); r != nil {
			r.OrphanRemoval = true
		}
	}
}

// WithEagerFetch loads the named relation together with its owner.
func WithEagerFetch(goField string) Option {
	return func(e *Entity) {
		if r := e.Relation(goField); r != nil {
			r.Eager = true
		}
	}
}

// WithMutableNaturalID allows natural-id values to change after insert; the
// session then re-synchronizes its natural-id cache on flush.
func WithMutableNaturalID() Option {
	return func(e *Entity) { e.NaturalIDMutable = true }
}
