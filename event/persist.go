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
	"github.com/tomoncle/dormouse/idgen"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// DefaultPersistListener makes a transient instance managed: it assigns the
// identifier, schedules the INSERT and walks the persist cascade. Post-insert
// id strategies key the entry on a placeholder that the flush resolves once
// the database has spoken.
type DefaultPersistListener struct{}

func (DefaultPersistListener) OnPersist(ctx context.Context, r *Runtime, e *PersistEvent) error {
	if e.Instance == nil {
		return fmt.Errorf("cannot persist nil instance")
	}
	if _, seen := e.Visited[e.Instance]; seen {
		return nil
	}
	e.Visited[e.Instance] = struct{}{}

	entity, err := r.entityFor(e.Instance)
	if err != nil {
		return err
	}

	if entry := r.pc.EntryOf(e.Instance); entry != nil {
		if entry.Status == types.StateRemoved {
			// persisting a removed instance cancels the deletion
			entry.Status = types.StateManaged
			r.queue.UnscheduleDelete(e.Instance)
		}
		return cascadePersist(ctx, r, entity, e)
	}

	gen, err := r.Generator(entity)
	if err != nil {
		return err
	}

	// An instance with a generated identifier already set has a database
	// past and belongs to Merge. Assigned ids are application data and prove
	// nothing.
	if _, assigned := gen.(idgen.Assigned); !assigned {
		zero, err := entity.HasZeroID(e.Instance)
		if err != nil {
			return err
		}
		if !zero {
			return fmt.Errorf("%s: %w", entity.Name, engine.ErrDetachedObject)
		}
	}

	entry := &engine.EntityEntry{
		Instance: e.Instance,
		Meta:     entity,
		Status:   types.StateManaged,
	}

	if gen.PostInsert() {
		entry.Key = engine.EntityKey{EntityName: entity.Name, ID: engine.NewDelayedID()}
	} else {
		id, err := gen.Generate(ctx, r.root, entity, e.Instance)
		if err != nil {
			return fmt.Errorf("%s: %w: %v", entity.Name, engine.ErrIdentifierGeneration, err)
		}
		if err := entity.SetID(e.Instance, id); err != nil {
			return err
		}
		key, err := engine.NewEntityKey(entity, id)
		if err != nil {
			return err
		}
		entry.Key = key
	}

	if entity.Versioned() {
		v, err := entity.VersionValue(e.Instance)
		if err != nil {
			return err
		}
		if v == nil || reflect.ValueOf(v).IsZero() {
			seed, err := engine.SeedVersion(entity)
			if err != nil {
				return err
			}
			if err := entity.SetVersion(e.Instance, seed); err != nil {
				return err
			}
			v = seed
		}
		entry.Version = v
	}

	if err := r.pc.Add(entry); err != nil {
		return err
	}
	r.queue.AddInsert(&engine.InsertAction{Entry: entry, Delayed: gen.PostInsert()})

	if entity.HasNaturalID() {
		if values, err := entity.NaturalIDValues(e.Instance); err == nil {
			r.pc.CacheNaturalID(entity.Name, values, entry.Key)
		}
	}
	return cascadePersist(ctx, r, entity, e)
}

func cascadePersist(ctx context.Context, r *Runtime, entity *meta.Entity, e *PersistEvent) error {
	return cascade(ctx, entity, e.Instance, types.CascadePersist,
		func(ctx context.Context, _ *meta.Entity, child interface{}) error {
			return r.FirePersist(ctx, &PersistEvent{Instance: child, Visited: e.Visited})
		})
}
