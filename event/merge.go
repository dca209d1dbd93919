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

// DefaultMergeListener copies the state of a detached instance onto its
// managed counterpart and returns the managed copy. The source is never
// attached; callers keep working with the result. Instances without a
// database row become new managed copies.
type DefaultMergeListener struct{}

func (DefaultMergeListener) OnMerge(ctx context.Context, r *Runtime, e *MergeEvent) error {
	if e.Source == nil {
		return fmt.Errorf("cannot merge nil instance")
	}
	if copied, ok := e.Copied[e.Source]; ok {
		e.Result = copied
		return nil
	}
	entity, err := r.entityFor(e.Source)
	if err != nil {
		return err
	}

	if entry := r.pc.EntryOf(e.Source); entry != nil {
		if entry.Status == types.StateRemoved || entry.Status == types.StateGone {
			return fmt.Errorf("%s: cannot merge a removed instance", entity.Name)
		}
		// already managed: merge is the identity, children may still need
		// copies
		e.Copied[e.Source] = e.Source
		if err := mergeChildren(ctx, r, entity, e.Source, e.Source, e); err != nil {
			return err
		}
		e.Result = e.Source
		return nil
	}

	gen, err := r.Generator(entity)
	if err != nil {
		return err
	}
	_, assigned := gen.(idgen.Assigned)

	zero, err := entity.HasZeroID(e.Source)
	if err != nil {
		return err
	}

	// A set id points at a possible database past; assigned ids must probe
	// since they are application data either way.
	var target interface{}
	if !zero {
		id, err := entity.IDValue(e.Source)
		if err != nil {
			return err
		}
		load := &LoadEvent{Entity: entity, ID: id}
		if err := r.FireLoad(ctx, load); err != nil {
			return err
		}
		target = load.Result
	}
	if target == nil {
		return mergeAsNew(ctx, r, entity, assigned, e)
	}

	e.Copied[e.Source] = target

	if entity.Versioned() {
		sv, err := entity.VersionValue(e.Source)
		if err != nil {
			return err
		}
		tv, err := entity.VersionValue(target)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(sv, tv) {
			key, kerr := engine.KeyFromInstance(entity, target)
			if kerr != nil {
				return kerr
			}
			return &engine.StaleStateError{EntityName: entity.Name, ID: key.ID}
		}
	}

	state, err := entity.CopyState(e.Source)
	if err != nil {
		return err
	}
	if err := entity.ApplyState(target, state); err != nil {
		return err
	}
	if err := mergeChildren(ctx, r, entity, e.Source, target, e); err != nil {
		return err
	}
	e.Result = target
	return nil
}

// mergeAsNew turns a sourceless instance into a fresh managed copy. Children
// merge first so the persist cascade and the collection flush see managed
// references.
func mergeAsNew(ctx context.Context, r *Runtime, entity *meta.Entity, assigned bool, e *MergeEvent) error {
	target := entity.NewInstance()
	e.Copied[e.Source] = target

	state, err := entity.CopyState(e.Source)
	if err != nil {
		return err
	}
	if err := entity.ApplyState(target, state); err != nil {
		return err
	}
	if assigned {
		id, err := entity.IDValue(e.Source)
		if err != nil {
			return err
		}
		if err := entity.SetID(target, id); err != nil {
			return err
		}
	}
	if err := mergeChildren(ctx, r, entity, e.Source, target, e); err != nil {
		return err
	}
	if err := r.FirePersist(ctx, &PersistEvent{Instance: target}); err != nil {
		return err
	}
	e.Result = target
	return nil
}

// mergeChildren merges every cascaded child of source and writes the managed
// copies onto target.
func mergeChildren(ctx context.Context, r *Runtime, entity *meta.Entity, source, target interface{}, e *MergeEvent) error {
	for _, rel := range entity.Relations {
		if !rel.Cascade.Has(types.CascadeMerge) || rel.Target == nil {
			continue
		}
		children, err := rel.RelatedInstances(source)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}

		if rel.Kind == meta.HasMany {
			merged := make([]interface{}, 0, len(children))
			for _, child := range children {
				ev := &MergeEvent{Source: child, Copied: e.Copied}
				if err := r.FireMerge(ctx, ev); err != nil {
					return err
				}
				merged = append(merged, ev.Result)
			}
			if typed, ok := typedChildSlice(rel, target, merged); ok {
				if err := rel.SetRelated(target, typed); err != nil {
					return err
				}
			}
			continue
		}

		ev := &MergeEvent{Source: children[0], Copied: e.Copied}
		if err := r.FireMerge(ctx, ev); err != nil {
			return err
		}
		if ev.Result != nil {
			if err := rel.SetRelated(target, ev.Result); err != nil {
				return err
			}
		}
	}
	return nil
}
