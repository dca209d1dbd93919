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

package event

import (
	"context"

	"github.com/tomoncle/dormouse/cache"
	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/idgen"
	"github.com/tomoncle/dormouse/loader"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/stats"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
)

// Runtime is the unit-of-work state listeners operate on: the statement
// target, the persistence context, the action queue and the caches of one
// session. The owning session confines it to a single goroutine; cascades
// re-enter it through the Fire methods.
type Runtime struct {
	db   bun.IDB
	root *bun.DB

	meta     *meta.Registry
	pc       *engine.PersistenceContext
	queue    *engine.ActionQueue
	batch    *engine.BatchFetchQueue
	cache    *cache.Accessor
	counters *stats.Counters
	events   *Registry
	logger   database.Logger

	cacheMode types.CacheMode
	readOnly  bool
	inTx      bool
	flushing  bool
}

// NewRuntime assembles the state for one session. events, accessor and
// counters may be nil; defaults are substituted.
func NewRuntime(db *bun.DB, entities *meta.Registry, events *Registry, accessor *cache.Accessor, counters *stats.Counters) *Runtime {
	if events == nil {
		events = NewRegistry()
	}
	if counters == nil {
		counters = stats.New()
	}
	if accessor == nil {
		accessor = cache.NewAccessor(nil, counters)
	}
	return &Runtime{
		db:        db,
		root:      db,
		meta:      entities,
		pc:        engine.NewPersistenceContext(),
		queue:     engine.NewActionQueue(),
		batch:     engine.NewBatchFetchQueue(),
		cache:     accessor,
		counters:  counters,
		events:    events,
		logger:    database.GetLogger(),
		cacheMode: types.CacheNormal,
	}
}

// DB is the current statement target: the transaction while one is open.
func (r *Runtime) DB() bun.IDB { return r.db }

// Root is the factory connection. Identifier generators allocate on it so a
// rolled-back business transaction cannot recycle id blocks.
func (r *Runtime) Root() *bun.DB { return r.root }

// SetDB switches the statement target, typically to a transaction and back.
func (r *Runtime) SetDB(db bun.IDB, inTx bool) {
	r.db = db
	r.inTx = inTx
}

func (r *Runtime) Meta() *meta.Registry                         { return r.meta }
func (r *Runtime) PersistenceContext() *engine.PersistenceContext { return r.pc }
func (r *Runtime) ActionQueue() *engine.ActionQueue             { return r.queue }
func (r *Runtime) BatchQueue() *engine.BatchFetchQueue          { return r.batch }
func (r *Runtime) Cache() *cache.Accessor                       { return r.cache }
func (r *Runtime) Counters() *stats.Counters                    { return r.counters }
func (r *Runtime) Events() *Registry                            { return r.events }
func (r *Runtime) InTransaction() bool                          { return r.inTx }

func (r *Runtime) CacheMode() types.CacheMode        { return r.cacheMode }
func (r *Runtime) SetCacheMode(mode types.CacheMode) { r.cacheMode = mode }

// DefaultReadOnly is the read-only mode newly loaded entities start in.
func (r *Runtime) DefaultReadOnly() bool            { return r.readOnly }
func (r *Runtime) SetDefaultReadOnly(readOnly bool) { r.readOnly = readOnly }

// EntityLoader builds a loader bound to the current statement target.
func (r *Runtime) EntityLoader(entity *meta.Entity) *loader.EntityLoader {
	return loader.NewEntityLoader(r.db, entity)
}

// CollectionLoader builds a children loader for one has-many relation.
func (r *Runtime) CollectionLoader(rel *meta.Relation) (*loader.CollectionLoader, error) {
	return loader.NewCollectionLoader(r.db, rel)
}

// NaturalIDLoader builds a business-key loader for the entity.
func (r *Runtime) NaturalIDLoader(entity *meta.Entity) (*loader.NaturalIDLoader, error) {
	return loader.NewNaturalIDLoader(r.db, entity)
}

// UniqueKeyLoader builds a unique-column loader for the entity.
func (r *Runtime) UniqueKeyLoader(entity *meta.Entity) *loader.UniqueKeyLoader {
	return loader.NewUniqueKeyLoader(r.db, entity)
}

// Generator resolves the identifier strategy of an entity.
func (r *Runtime) Generator(entity *meta.Entity) (idgen.Generator, error) {
	return idgen.Resolve(entity.IDStrategy)
}

// entityFor resolves the mapping of an instance through the registry.
func (r *Runtime) entityFor(instance interface{}) (*meta.Entity, error) {
	return r.meta.For(instance)
}

// cachePut publishes entity state to the second-level cache. Inside a
// transaction the put is deferred to the commit callbacks so uncommitted
// state never becomes visible to other sessions.
func (r *Runtime) cachePut(entity *meta.Entity, id interface{}, instance interface{}) {
	if !entity.Cacheable || !r.cacheMode.Writes() {
		return
	}
	ce, err := cache.Disassemble(entity, instance)
	if err != nil {
		r.logger.Warn("cache put skipped", "entity", entity.Name, "error", err.Error())
		return
	}
	mode := r.cacheMode
	if r.inTx {
		r.queue.AfterCommit(func(committed bool) {
			if committed {
				r.cache.Put(entity, id, ce, mode)
			}
		})
		return
	}
	r.cache.Put(entity, id, ce, mode)
}

// cacheEvict removes one row from the second-level cache, after commit when
// a transaction is open.
func (r *Runtime) cacheEvict(entity *meta.Entity, id interface{}) {
	if !entity.Cacheable {
		return
	}
	if r.inTx {
		r.queue.AfterCommit(func(committed bool) {
			if committed {
				r.cache.Evict(entity, id)
			}
		})
		return
	}
	r.cache.Evict(entity, id)
}

// FireLoad dispatches through the load listener chain.
func (r *Runtime) FireLoad(ctx context.Context, e *LoadEvent) error {
	for _, l := range r.events.load {
		if err := l.OnLoad(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FirePersist(ctx context.Context, e *PersistEvent) error {
	if e.Visited == nil {
		e.Visited = make(map[interface{}]struct{})
	}
	for _, l := range r.events.persist {
		if err := l.OnPersist(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireMerge(ctx context.Context, e *MergeEvent) error {
	if e.Copied == nil {
		e.Copied = make(map[interface{}]interface{})
	}
	for _, l := range r.events.merge {
		if err := l.OnMerge(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireDelete(ctx context.Context, e *DeleteEvent) error {
	if e.Visited == nil {
		e.Visited = make(map[interface{}]struct{})
	}
	for _, l := range r.events.delete {
		if err := l.OnDelete(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireRefresh(ctx context.Context, e *RefreshEvent) error {
	if e.Visited == nil {
		e.Visited = make(map[interface{}]struct{})
	}
	for _, l := range r.events.refresh {
		if err := l.OnRefresh(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireLock(ctx context.Context, e *LockEvent) error {
	if e.Visited == nil {
		e.Visited = make(map[interface{}]struct{})
	}
	for _, l := range r.events.lock {
		if err := l.OnLock(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireFlush(ctx context.Context, e *FlushEvent) error {
	for _, l := range r.events.flush {
		if err := l.OnFlush(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireAutoFlush(ctx context.Context, e *AutoFlushEvent) error {
	for _, l := range r.events.autoFlush {
		if err := l.OnAutoFlush(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireDirtyCheck(ctx context.Context, e *DirtyCheckEvent) error {
	for _, l := range r.events.dirtyCheck {
		if err := l.OnDirtyCheck(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) FireEvict(ctx context.Context, e *EvictEvent) error {
	for _, l := range r.events.evict {
		if err := l.OnEvict(ctx, r, e); err != nil {
			return err
		}
	}
	return nil
}
