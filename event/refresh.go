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
	"fmt"

	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// DefaultRefreshListener re-reads the row and overwrites the instance with
// database state, discarding unflushed changes. Detached instances are
// reattached around the fresh state. A vanished row evicts the entry and
// fails with UnresolvableError.
type DefaultRefreshListener struct{}

func (DefaultRefreshListener) OnRefresh(ctx context.Context, r *Runtime, e *RefreshEvent) error {
	if e.Instance == nil {
		return fmt.Errorf("cannot refresh nil instance")
	}
	if _, seen := e.Visited[e.Instance]; seen {
		return nil
	}
	e.Visited[e.Instance] = struct{}{}

	entity, err := r.entityFor(e.Instance)
	if err != nil {
		return err
	}
	zero, err := entity.HasZeroID(e.Instance)
	if err != nil {
		return err
	}
	if zero {
		return fmt.Errorf("%s: %w", entity.Name, engine.ErrTransientObject)
	}

	entry := r.pc.EntryOf(e.Instance)
	var key engine.EntityKey
	if entry != nil {
		key = entry.Key
	} else if key, err = engine.KeyFromInstance(entity, e.Instance); err != nil {
		return err
	}

	// refresh wants the row as the database has it now, never a cached copy
	r.cache.Evict(entity, key.ID)

	fresh, err := r.EntityLoader(entity).Load(ctx, key.ID, e.Lock)
	if err != nil {
		return err
	}
	if fresh == nil {
		if entry != nil {
			r.pc.EvictNaturalID(key)
			r.pc.Remove(entry)
			entry.Status = types.StateGone
		}
		return &engine.UnresolvableError{EntityName: entity.Name, ID: key.ID}
	}

	state, err := entity.CopyState(fresh)
	if err != nil {
		return err
	}
	if err := entity.ApplyState(e.Instance, state); err != nil {
		return err
	}

	if entry == nil {
		entry = &engine.EntityEntry{
			Key:      key,
			Instance: e.Instance,
			Meta:     entity,
		}
		if err := r.pc.Add(entry); err != nil {
			return err
		}
	}
	entry.Status = types.StateManaged
	entry.ExistsInDB = true
	if !entry.ReadOnly {
		snapshot, err := entity.CopyState(e.Instance)
		if err != nil {
			return err
		}
		entry.LoadedState = snapshot
	}
	if entity.Versioned() {
		v, err := entity.VersionValue(e.Instance)
		if err != nil {
			return err
		}
		entry.Version = v
	}
	entry.UpgradeLock(e.Lock)

	if entity.HasNaturalID() {
		if values, verr := entity.NaturalIDValues(e.Instance); verr == nil {
			r.pc.CacheNaturalID(entity.Name, values, key)
		}
	}
	if err := refreshRelations(ctx, r, entity, entry, fresh); err != nil {
		return err
	}

	return cascade(ctx, entity, e.Instance, types.CascadeRefresh,
		func(ctx context.Context, _ *meta.Entity, child interface{}) error {
			return r.FireRefresh(ctx, &RefreshEvent{Instance: child, Lock: e.Lock, Visited: e.Visited})
		})
}

// refreshRelations rebinds eagerly fetched children from the fresh row onto
// the managed instance, resetting local collection edits.
func refreshRelations(ctx context.Context, r *Runtime, entity *meta.Entity, entry *engine.EntityEntry, fresh interface{}) error {
	for _, rel := range entity.Relations {
		if !rel.Eager || rel.Target == nil {
			continue
		}
		children, err := rel.RelatedInstances(fresh)
		if err != nil {
			return err
		}

		if rel.Kind == meta.HasMany {
			canonicals := make([]interface{}, 0, len(children))
			keys := make([]engine.EntityKey, 0, len(children))
			for _, child := range children {
				canonical, childEntry, err := registerLoaded(ctx, r, rel.Target, child, types.LockRead, false)
				if err != nil {
					return err
				}
				canonicals = append(canonicals, canonical)
				keys = append(keys, childEntry.Key)
			}
			if typed, ok := typedChildSlice(rel, entry.Instance, canonicals); ok {
				if err := rel.SetRelated(entry.Instance, typed); err != nil {
					return err
				}
			}
			r.pc.TrackCollection(entry.Key, rel, keys)
			continue
		}

		if len(children) == 0 {
			continue
		}
		canonical, _, err := registerLoaded(ctx, r, rel.Target, children[0], types.LockRead, false)
		if err != nil {
			return err
		}
		if err := rel.SetRelated(entry.Instance, canonical); err != nil {
			return err
		}
	}
	return nil
}
