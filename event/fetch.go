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

// Canonicalize folds a row materialized outside the load pipeline, such as a
// query result or a unique-key lookup, into the session and returns the
// canonical instance for its key. When the row is already managed the managed
// instance wins and the fresh copy is dropped, so query results never fork
// the identity map.
func (r *Runtime) Canonicalize(ctx context.Context, instance interface{}, lock types.LockMode) (interface{}, error) {
	entity, err := r.entityFor(instance)
	if err != nil {
		return nil, err
	}
	canonical, _, err := registerLoaded(ctx, r, entity, instance, lock, false)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// FetchRelation loads one relation of a managed instance from the database
// and rebinds the struct field. Collections get a fresh membership snapshot,
// so local edits made before the fetch are discarded in favor of database
// state.
func (r *Runtime) FetchRelation(ctx context.Context, instance interface{}, goField string) error {
	entity, err := r.entityFor(instance)
	if err != nil {
		return err
	}
	entry := r.pc.EntryOf(instance)
	if entry == nil {
		return fmt.Errorf("fetch %s.%s: instance is not managed: %w", entity.Name, goField, engine.ErrTransientObject)
	}
	rel := entity.Relation(goField)
	if rel == nil {
		return fmt.Errorf("entity %s has no relation %s", entity.Name, goField)
	}
	if rel.Target == nil {
		return fmt.Errorf("relation %s.%s is not linked", entity.Name, goField)
	}

	if rel.Kind == meta.BelongsTo {
		return r.fetchParent(ctx, entity, entry, rel)
	}
	return r.fetchChildren(ctx, entity, entry, rel)
}

// fetchParent resolves a foreign key through the regular load pipeline, so
// identity map, second-level cache and batch fetching all apply.
func (r *Runtime) fetchParent(ctx context.Context, entity *meta.Entity, entry *engine.EntityEntry, rel *meta.Relation) error {
	if len(rel.BaseGoFields) == 0 {
		return fmt.Errorf("relation %s.%s has no foreign key fields", entity.Name, rel.Name)
	}
	fk, err := entity.FieldValue(entry.Instance, rel.BaseGoFields[0])
	if err != nil {
		return err
	}
	if fk == nil || reflect.ValueOf(fk).IsZero() {
		return rel.SetRelated(entry.Instance, nil)
	}
	e := &LoadEvent{Entity: rel.Target, ID: fk, Lock: types.LockRead}
	if err := r.FireLoad(ctx, e); err != nil {
		return err
	}
	return rel.SetRelated(entry.Instance, e.Result)
}

// fetchChildren reads the rows holding the owner's key and makes the loaded
// membership authoritative, tracking it even when empty.
func (r *Runtime) fetchChildren(ctx context.Context, entity *meta.Entity, entry *engine.EntityEntry, rel *meta.Relation) error {
	ldr, err := r.CollectionLoader(rel)
	if err != nil {
		return err
	}
	if len(rel.BaseGoFields) == 0 {
		return fmt.Errorf("relation %s.%s has no owner reference field", entity.Name, rel.Name)
	}
	ownerRef, err := entity.FieldValue(entry.Instance, rel.BaseGoFields[0])
	if err != nil {
		return err
	}
	children, err := ldr.LoadChildren(ctx, ownerRef)
	if err != nil {
		return err
	}

	if rel.Kind == meta.HasOne {
		if len(children) == 0 {
			return rel.SetRelated(entry.Instance, nil)
		}
		if len(children) > 1 {
			return fmt.Errorf("%s.%s: %w", entity.Name, rel.Name, engine.ErrNonUniqueResult)
		}
		canonical, _, err := registerLoaded(ctx, r, rel.Target, children[0], types.LockRead, false)
		if err != nil {
			return err
		}
		return rel.SetRelated(entry.Instance, canonical)
	}

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
	return nil
}
