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
	"reflect"

	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// DefaultLoadListener resolves an id through the identity map, then the
// second-level cache, then the database. Database loads drain the batch-fetch
// queue so neighbors queued by earlier rows ride along in one SELECT.
type DefaultLoadListener struct{}

func (DefaultLoadListener) OnLoad(ctx context.Context, r *Runtime, e *LoadEvent) error {
	entity := e.Entity
	key, err := engine.NewEntityKey(entity, e.ID)
	if err != nil {
		return err
	}

	if entry := r.pc.Entry(key); entry != nil {
		if entry.Status == types.StateRemoved || entry.Status == types.StateGone {
			// deleted in this session, not visible anymore
			return loadMiss(e, key)
		}
		if e.Lock.Pessimistic() && e.Lock.GreaterThan(entry.LockMode) {
			if err := r.EntityLoader(entity).LockRow(ctx, key.ID, entry.Version, e.Lock); err != nil {
				return err
			}
		}
		entry.UpgradeLock(e.Lock)
		e.Result = entry.Instance
		return nil
	}

	// pessimistic requests bypass the cache: the row must be read under the
	// database lock
	if !e.Lock.Pessimistic() {
		if ce, ok := r.cache.Get(entity, key.ID, r.cacheMode); ok {
			instance := entity.NewInstance()
			if err := ce.Assemble(entity, instance); err != nil {
				return err
			}
			if err := entity.SetID(instance, key.ID); err != nil {
				return err
			}
			if entity.Versioned() && ce.Version != nil {
				if err := entity.SetVersion(instance, ce.Version); err != nil {
					return err
				}
			}
			canonical, _, err := registerLoaded(ctx, r, entity, instance, e.Lock, true)
			if err != nil {
				return err
			}
			e.Result = canonical
			return nil
		}
	}

	ldr := r.EntityLoader(entity)
	if e.Lock.Pessimistic() {
		instance, err := ldr.Load(ctx, key.ID, e.Lock)
		if err != nil {
			return err
		}
		if instance == nil {
			return loadMiss(e, key)
		}
		canonical, _, err := registerLoaded(ctx, r, entity, instance, e.Lock, false)
		if err != nil {
			return err
		}
		e.Result = canonical
		return nil
	}

	ids := r.batch.Drain(entity.Name, key.ID, entity.BatchSize)
	found, err := ldr.LoadBatch(ctx, ids)
	if err != nil {
		return err
	}
	for _, id := range ids {
		instance, ok := found[id]
		if !ok {
			continue
		}
		lock := types.LockRead
		if id == key.ID {
			lock = e.Lock
		}
		if _, _, err := registerLoaded(ctx, r, entity, instance, lock, false); err != nil {
			return err
		}
	}
	if entry := r.pc.Entry(key); entry != nil {
		e.Result = entry.Instance
		return nil
	}
	return loadMiss(e, key)
}

func loadMiss(e *LoadEvent, key engine.EntityKey) error {
	if e.MustExist {
		return &engine.UnresolvableError{EntityName: key.EntityName, ID: key.ID}
	}
	e.Result = nil
	return nil
}

// registerLoaded enters a freshly materialized row into the persistence
// context and returns the canonical instance for its key: when the row is
// already managed the fresh copy is discarded in favor of the managed one.
func registerLoaded(ctx context.Context, r *Runtime, entity *meta.Entity, instance interface{}, lock types.LockMode, fromCache bool) (interface{}, *engine.EntityEntry, error) {
	if types.LockRead.GreaterThan(lock) {
		lock = types.LockRead
	}
	key, err := engine.KeyFromInstance(entity, instance)
	if err != nil {
		return nil, nil, err
	}
	if existing := r.pc.Entry(key); existing != nil {
		existing.UpgradeLock(lock)
		return existing.Instance, existing, nil
	}

	entry := &engine.EntityEntry{
		Key:        key,
		Instance:   instance,
		Meta:       entity,
		Status:     types.StateManaged,
		LockMode:   lock,
		ExistsInDB: true,
	}
	if entity.Versioned() {
		v, err := entity.VersionValue(instance)
		if err != nil {
			return nil, nil, err
		}
		entry.Version = v
	}
	if r.readOnly || entity.ReadOnly {
		entry.ReadOnly = true
	} else {
		snapshot, err := entity.CopyState(instance)
		if err != nil {
			return nil, nil, err
		}
		entry.LoadedState = snapshot
	}
	if err := r.pc.Add(entry); err != nil {
		return nil, nil, err
	}
	r.batch.Remove(entity.Name, key.ID)

	if entity.HasNaturalID() {
		if values, err := entity.NaturalIDValues(instance); err == nil {
			r.pc.CacheNaturalID(entity.Name, values, key)
		}
	}
	if err := hydrateRelations(ctx, r, entity, entry); err != nil {
		return nil, nil, err
	}
	enqueueForeignKeys(r, entity, instance)
	if !fromCache {
		r.cachePut(entity, key.ID, instance)
		r.counters.EntityLoaded()
	}
	if hook, ok := instance.(types.PostLoadHook); ok {
		if err := hook.PostLoad(ctx); err != nil {
			return nil, nil, err
		}
	}
	return instance, entry, nil
}

// hydrateRelations folds relation rows the SELECT fetched along into the
// session: children become managed, collections get their membership
// snapshot, and rows that were already managed replace their fresh copies so
// the identity map stays canonical.
func hydrateRelations(ctx context.Context, r *Runtime, entity *meta.Entity, entry *engine.EntityEntry) error {
	for _, rel := range entity.Relations {
		if rel.Target == nil {
			continue
		}
		children, err := rel.RelatedInstances(entry.Instance)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}

		if rel.Kind == meta.HasMany {
			canonicals := make([]interface{}, 0, len(children))
			keys := make([]engine.EntityKey, 0, len(children))
			swapped := false
			for _, child := range children {
				canonical, childEntry, err := registerLoaded(ctx, r, rel.Target, child, types.LockRead, false)
				if err != nil {
					return err
				}
				if canonical != child {
					swapped = true
				}
				canonicals = append(canonicals, canonical)
				keys = append(keys, childEntry.Key)
			}
			if swapped {
				if typed, ok := typedChildSlice(rel, entry.Instance, canonicals); ok {
					if err := rel.SetRelated(entry.Instance, typed); err != nil {
						return err
					}
				}
			}
			r.pc.TrackCollection(entry.Key, rel, keys)
			continue
		}

		canonical, _, err := registerLoaded(ctx, r, rel.Target, children[0], types.LockRead, false)
		if err != nil {
			return err
		}
		if canonical != children[0] {
			if err := rel.SetRelated(entry.Instance, canonical); err != nil {
				return err
			}
		}
	}
	return nil
}

// typedChildSlice rebuilds the relation field's slice type from canonical
// children.
func typedChildSlice(rel *meta.Relation, owner interface{}, children []interface{}) (interface{}, bool) {
	v := reflect.ValueOf(owner)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, false
	}
	fieldType := rel.Value(v.Elem()).Type()
	if fieldType.Kind() != reflect.Slice {
		return nil, false
	}
	out := reflect.MakeSlice(fieldType, 0, len(children))
	for _, child := range children {
		cv := reflect.ValueOf(child)
		if !cv.Type().AssignableTo(fieldType.Elem()) {
			return nil, false
		}
		out = reflect.Append(out, cv)
	}
	return out.Interface(), true
}

// enqueueForeignKeys queues the ids a loaded row references so the next load
// of that entity fetches them in the same SELECT.
func enqueueForeignKeys(r *Runtime, entity *meta.Entity, instance interface{}) {
	for _, rel := range entity.Relations {
		if rel.FKOnTarget() || rel.Target == nil || len(rel.BaseGoFields) == 0 {
			continue
		}
		fk, err := entity.FieldValue(instance, rel.BaseGoFields[0])
		if err != nil || fk == nil {
			continue
		}
		if reflect.ValueOf(fk).IsZero() {
			continue
		}
		norm, err := engine.NormalizeID(fk)
		if err != nil {
			continue
		}
		if r.pc.Entry(engine.EntityKey{EntityName: rel.Target.Name, ID: norm}) == nil {
			r.batch.Enqueue(rel.Target.Name, norm)
		}
	}
}
