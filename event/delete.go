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
	"reflect"

	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// DefaultDeleteListener schedules row removal. Cascaded children go first so
// the flush deletes them before their parent; an entity inserted and deleted
// in the same session cancels out without touching the database.
type DefaultDeleteListener struct{}

func (DefaultDeleteListener) OnDelete(ctx context.Context, r *Runtime, e *DeleteEvent) error {
	if e.Instance == nil {
		return fmt.Errorf("cannot delete nil instance")
	}
	if _, seen := e.Visited[e.Instance]; seen {
		return nil
	}
	e.Visited[e.Instance] = struct{}{}

	entity, err := r.entityFor(e.Instance)
	if err != nil {
		return err
	}

	instance := e.Instance
	entry := r.pc.EntryOf(instance)
	if entry == nil {
		// detached: reattach through a load so the cascade and the version
		// check run against current state
		zero, err := entity.HasZeroID(instance)
		if err != nil {
			return err
		}
		if zero {
			return fmt.Errorf("%s: %w", entity.Name, engine.ErrTransientObject)
		}
		id, err := entity.IDValue(instance)
		if err != nil {
			return err
		}
		load := &LoadEvent{Entity: entity, ID: id}
		if err := r.FireLoad(ctx, load); err != nil {
			return err
		}
		if load.Result == nil {
			// row already gone
			return nil
		}
		instance = load.Result
		entry = r.pc.EntryOf(instance)
		if entry == nil {
			return fmt.Errorf("%s: loaded instance is not managed", entity.Name)
		}
		e.Visited[instance] = struct{}{}
	}

	if entry.Status == types.StateRemoved || entry.Status == types.StateGone {
		return nil
	}

	// inserted and deleted in the same session: cancel the insert instead of
	// writing anything
	if r.queue.PendingInsert(instance) != nil {
		if err := cascadeDelete(ctx, r, entity, entry, e); err != nil {
			return err
		}
		r.queue.RemoveInsert(instance)
		r.pc.EvictNaturalID(entry.Key)
		r.pc.Remove(entry)
		entry.Status = types.StateGone
		return nil
	}

	if err := cascadeDelete(ctx, r, entity, entry, e); err != nil {
		return err
	}

	entry.Status = types.StateRemoved
	r.queue.AddDelete(&engine.DeleteAction{Entry: entry})
	r.pc.EvictNaturalID(entry.Key)
	r.cacheEvict(entity, entry.Key.ID)
	return nil
}

// cascadeDelete removes cascaded children before their owner. A remove
// cascade reaches rows only the database knows about, so a collection that
// was never fetched is loaded here first.
func cascadeDelete(ctx context.Context, r *Runtime, entity *meta.Entity, entry *engine.EntityEntry, e *DeleteEvent) error {
	for _, rel := range entity.Relations {
		if !rel.Cascade.Has(types.CascadeRemove) || rel.Target == nil {
			continue
		}
		children, err := rel.RelatedInstances(entry.Instance)
		if err != nil {
			return err
		}
		if len(children) == 0 && rel.Kind == meta.HasMany && entry.ExistsInDB &&
			r.pc.Collection(entry.Key, rel.Name) == nil {
			children, err = loadUnfetchedChildren(ctx, r, entity, rel, entry)
			if err != nil {
				return err
			}
		}
		for _, child := range children {
			if err := r.FireDelete(ctx, &DeleteEvent{Instance: child, Visited: e.Visited}); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadUnfetchedChildren materializes the children of a collection the session
// never read, and writes them onto the owner so delete ordering sees the
// references.
func loadUnfetchedChildren(ctx context.Context, r *Runtime, entity *meta.Entity, rel *meta.Relation, entry *engine.EntityEntry) ([]interface{}, error) {
	if len(rel.BaseGoFields) == 0 {
		return nil, nil
	}
	ownerRef, err := entity.FieldValue(entry.Instance, rel.BaseGoFields[0])
	if err != nil {
		return nil, err
	}
	if ownerRef == nil || reflect.ValueOf(ownerRef).IsZero() {
		return nil, nil
	}
	cl, err := r.CollectionLoader(rel)
	if err != nil {
		return nil, err
	}
	rows, err := cl.LoadChildren(ctx, ownerRef)
	if err != nil {
		return nil, err
	}

	canonicals := make([]interface{}, 0, len(rows))
	keys := make([]engine.EntityKey, 0, len(rows))
	for _, row := range rows {
		canonical, childEntry, err := registerLoaded(ctx, r, rel.Target, row, types.LockRead, false)
		if err != nil {
			return nil, err
		}
		canonicals = append(canonicals, canonical)
		keys = append(keys, childEntry.Key)
	}
	if typed, ok := typedChildSlice(rel, entry.Instance, canonicals); ok {
		if err := rel.SetRelated(entry.Instance, typed); err != nil {
			return nil, err
		}
	}
	r.pc.TrackCollection(entry.Key, rel, keys)
	return canonicals, nil
}
