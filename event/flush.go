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
	"github.com/uptrace/bun/schema"
)

// DefaultFlushListener synchronizes the session with the database: it walks
// the persist cascade from every managed entity, dirty checks the snapshots,
// diffs the tracked collections, and executes the queued actions in foreign
// key order. Afterwards the snapshots and collection states describe what the
// database now holds.
type DefaultFlushListener struct{}

func (DefaultFlushListener) OnFlush(ctx context.Context, r *Runtime, e *FlushEvent) error {
	if r.flushing {
		return engine.ErrFlushInProgress
	}
	r.flushing = true
	defer func() { r.flushing = false }()

	// transients referenced by managed entities become managed now
	visited := make(map[interface{}]struct{})
	for _, entry := range snapshotEntries(r) {
		if entry.Status != types.StateManaged {
			continue
		}
		if err := r.FirePersist(ctx, &PersistEvent{Instance: entry.Instance, Visited: visited}); err != nil {
			return err
		}
	}

	for _, entry := range snapshotEntries(r) {
		if !entry.RequiresDirtyCheck() {
			continue
		}
		dirty, err := engine.DirtyFields(entry.Meta, entry.Instance, entry.LoadedState)
		if err != nil {
			return err
		}
		if len(dirty) > 0 {
			if err := flushNaturalID(r, entry, dirty); err != nil {
				return err
			}
		}
		if len(dirty) == 0 && !pendingFKSync(r, entry.Meta, entry.Instance) {
			continue
		}
		if r.queue.PendingUpdate(entry) == nil {
			r.queue.AddUpdate(&engine.UpdateAction{Entry: entry, Fields: dirty})
		}
	}

	for _, entry := range snapshotEntries(r) {
		if entry.Status != types.StateManaged {
			continue
		}
		if err := flushCollections(ctx, r, entry, visited); err != nil {
			return err
		}
	}

	ins, ups, cols, dels := r.queue.Pending()
	e.Inserted, e.Updated, e.Collections, e.Deleted = len(ins), len(ups), len(cols), len(dels)

	if len(ins)+len(ups)+len(cols)+len(dels) > 0 {
		if err := r.queue.Execute(ctx, engine.NewPersister(r.db)); err != nil {
			return err
		}
	}

	// the database has spoken: move delayed entries to their real keys
	for _, a := range ins {
		if !a.Delayed {
			continue
		}
		id, err := a.Entry.Meta.IDValue(a.Entry.Instance)
		if err != nil {
			return err
		}
		if err := r.pc.Rekey(a.Entry, id); err != nil {
			return err
		}
	}

	for _, a := range dels {
		r.pc.Remove(a.Entry)
		a.Entry.Status = types.StateGone
		r.counters.EntityDeleted()
	}

	for _, a := range ins {
		if err := refreshEntrySnapshot(a.Entry); err != nil {
			return err
		}
		r.counters.EntityInserted()
		flushCachePut(r, a.Entry)
	}
	for _, a := range ups {
		if a.Entry.Status != types.StateManaged {
			continue
		}
		if err := refreshEntrySnapshot(a.Entry); err != nil {
			return err
		}
		r.counters.EntityUpdated()
		flushCachePut(r, a.Entry)
	}

	for _, a := range cols {
		retrackCollection(r, a)
	}

	r.counters.Flushed()
	return nil
}

// snapshotEntries copies the entry list so listeners can register new entries
// while the flush walks it.
func snapshotEntries(r *Runtime) []*engine.EntityEntry {
	entries := r.pc.Entries()
	out := make([]*engine.EntityEntry, len(entries))
	copy(out, entries)
	return out
}

// pendingFKSync reports whether a belongs-to pointer disagrees with the
// foreign key column, which no column diff can see: the referenced id may not
// even exist until its INSERT runs. Such entities need an UPDATE whose dirty
// set is recomputed at execution time.
func pendingFKSync(r *Runtime, entity *meta.Entity, instance interface{}) bool {
	for _, rel := range entity.Relations {
		if rel.FKOnTarget() || rel.Target == nil || len(rel.BaseGoFields) == 0 || len(rel.JoinGoFields) == 0 {
			continue
		}
		related, err := rel.RelatedInstances(instance)
		if err != nil || len(related) == 0 {
			continue
		}
		ref := related[0]
		if r.pc.EntryOf(ref) == nil {
			continue
		}
		if r.queue.PendingInsert(ref) != nil {
			return true
		}
		refID, err := rel.Target.FieldValue(ref, rel.JoinGoFields[0])
		if err != nil || refID == nil || reflect.ValueOf(refID).IsZero() {
			continue
		}
		fk, err := entity.FieldValue(instance, rel.BaseGoFields[0])
		if err != nil {
			continue
		}
		if !reflect.DeepEqual(fk, refID) {
			return true
		}
	}
	return false
}

// flushNaturalID guards natural-id columns during dirty updates: immutable
// tuples reject the write, mutable ones move the session mapping and retire
// the stale cached resolution.
func flushNaturalID(r *Runtime, entry *engine.EntityEntry, dirty []*schema.Field) error {
	entity := entry.Meta
	if !entity.HasNaturalID() {
		return nil
	}
	touched := false
	for _, f := range dirty {
		for _, nf := range entity.NaturalID {
			if f.Name == nf.Name {
				touched = true
			}
		}
	}
	if !touched {
		return nil
	}
	if !entity.NaturalIDMutable {
		return fmt.Errorf("%s: natural id is immutable", entity.Name)
	}
	if oldValues := naturalIDFromSnapshot(entity, entry.LoadedState); oldValues != nil {
		evictNaturalIDResolution(r, entity, oldValues)
	}
	values, err := entity.NaturalIDValues(entry.Instance)
	if err != nil {
		return err
	}
	r.pc.CacheNaturalID(entity.Name, values, entry.Key)
	return nil
}

// naturalIDFromSnapshot extracts the tuple an entity was loaded with.
func naturalIDFromSnapshot(entity *meta.Entity, loaded []interface{}) []interface{} {
	if loaded == nil {
		return nil
	}
	fields := entity.StateFields()
	if len(fields) != len(loaded) {
		return nil
	}
	values := make([]interface{}, 0, len(entity.NaturalID))
	for _, nf := range entity.NaturalID {
		for i, f := range fields {
			if f.Name == nf.Name {
				values = append(values, loaded[i])
				break
			}
		}
	}
	if len(values) != len(entity.NaturalID) {
		return nil
	}
	return values
}

// flushCollections diffs one owner's has-many collections against their
// loaded membership and queues the attach and detach work. Orphans of a
// managed child run the full delete pipeline so cascades and hooks fire.
func flushCollections(ctx context.Context, r *Runtime, owner *engine.EntityEntry, visited map[interface{}]struct{}) error {
	entity := owner.Meta
	for _, rel := range entity.Relations {
		if rel.Kind != meta.HasMany || rel.Target == nil {
			continue
		}
		children, err := rel.RelatedInstances(owner.Instance)
		if err != nil {
			return err
		}

		current := make([]*engine.EntityEntry, 0, len(children))
		currentKeys := make(map[engine.EntityKey]struct{}, len(children))
		for _, child := range children {
			childEntry := r.pc.EntryOf(child)
			if childEntry == nil {
				return &engine.TransientObjectError{
					EntityName: entity.Name, Field: rel.Name, TargetName: rel.Target.Name,
				}
			}
			if childEntry.Status != types.StateManaged {
				continue
			}
			current = append(current, childEntry)
			currentKeys[childEntry.Key] = struct{}{}
		}

		action := &engine.CollectionUpdate{Owner: owner, Relation: rel}
		changed := false
		ce := r.pc.Collection(owner.Key, rel.Name)
		if ce == nil || ce.LoadedKeys == nil {
			// membership never observed: attach whatever is not already
			// pointing at the owner
			for _, childEntry := range current {
				if childNeedsAttach(r, owner, rel, childEntry) {
					action.Attach = append(action.Attach, childEntry)
				}
			}
		} else {
			loaded := make(map[engine.EntityKey]struct{}, len(ce.LoadedKeys))
			for _, k := range ce.LoadedKeys {
				loaded[k] = struct{}{}
			}
			for _, childEntry := range current {
				if _, ok := loaded[childEntry.Key]; !ok {
					action.Attach = append(action.Attach, childEntry)
				}
			}
			for _, k := range ce.LoadedKeys {
				if _, ok := currentKeys[k]; ok {
					continue
				}
				// any departure invalidates the loaded membership, even when
				// the row work happens elsewhere
				changed = true
				removed := r.pc.Entry(k)
				if rel.OrphanRemoval && removed != nil {
					if err := r.FireDelete(ctx, &DeleteEvent{Instance: removed.Instance, Orphan: true, Visited: visited}); err != nil {
						return err
					}
					continue
				}
				if removed != nil && removed.Status != types.StateManaged {
					// its own DELETE already handles the row
					continue
				}
				action.DetachKeys = append(action.DetachKeys, k)
			}
		}

		if changed || len(action.Attach) > 0 || len(action.DetachKeys) > 0 {
			r.queue.AddCollectionUpdate(action)
		}
	}
	return nil
}

// childNeedsAttach reports whether the child row's foreign key must be
// written. Fresh inserts with a back-pointer get the key from the insert
// itself, and children already pointing at the owner are current.
func childNeedsAttach(r *Runtime, owner *engine.EntityEntry, rel *meta.Relation, child *engine.EntityEntry) bool {
	if r.queue.PendingInsert(child.Instance) != nil && childPointsBack(rel, child.Instance, owner.Instance) {
		return false
	}
	if len(rel.BaseGoFields) == 0 || len(rel.JoinGoFields) == 0 {
		return true
	}
	ownerRef, err := owner.Meta.FieldValue(owner.Instance, rel.BaseGoFields[0])
	if err != nil || ownerRef == nil || reflect.ValueOf(ownerRef).IsZero() {
		return true
	}
	fk, err := rel.Target.FieldValue(child.Instance, rel.JoinGoFields[0])
	if err != nil {
		return true
	}
	return !reflect.DeepEqual(fk, ownerRef)
}

// childPointsBack reports whether the child's belongs-to field over the same
// foreign key column references the owner instance.
func childPointsBack(hasMany *meta.Relation, child interface{}, owner interface{}) bool {
	for _, back := range hasMany.Target.Relations {
		if back.Kind != meta.BelongsTo || len(back.BaseColumns) == 0 ||
			len(hasMany.JoinColumns) == 0 || back.BaseColumns[0] != hasMany.JoinColumns[0] {
			continue
		}
		related, err := back.RelatedInstances(child)
		if err == nil && len(related) == 1 && related[0] == owner {
			return true
		}
	}
	return false
}

// refreshEntrySnapshot re-baselines an entry after its row was written.
func refreshEntrySnapshot(entry *engine.EntityEntry) error {
	entry.ExistsInDB = true
	if entry.ReadOnly {
		return nil
	}
	snapshot, err := entry.Meta.CopyState(entry.Instance)
	if err != nil {
		return err
	}
	entry.LoadedState = snapshot
	if entry.Meta.Versioned() {
		v, err := entry.Meta.VersionValue(entry.Instance)
		if err != nil {
			return err
		}
		entry.Version = v
	}
	return nil
}

// flushCachePut publishes written state and its natural-id resolution.
func flushCachePut(r *Runtime, entry *engine.EntityEntry) {
	entity := entry.Meta
	r.cachePut(entity, entry.Key.ID, entry.Instance)
	if entity.HasNaturalID() {
		if values, err := entity.NaturalIDValues(entry.Instance); err == nil {
			publishNaturalID(r, entity, values, entry.Key.ID)
		}
	}
}

func publishNaturalID(r *Runtime, entity *meta.Entity, values []interface{}, id interface{}) {
	if !entity.Cacheable || !r.cacheMode.Writes() {
		return
	}
	mode := r.cacheMode
	if r.inTx {
		r.queue.AfterCommit(func(committed bool) {
			if committed {
				r.cache.PutNaturalID(entity, values, id, mode)
			}
		})
		return
	}
	r.cache.PutNaturalID(entity, values, id, mode)
}

func evictNaturalIDResolution(r *Runtime, entity *meta.Entity, values []interface{}) {
	if !entity.Cacheable {
		return
	}
	if r.inTx {
		r.queue.AfterCommit(func(committed bool) {
			if committed {
				r.cache.EvictNaturalID(entity, values)
			}
		})
		return
	}
	r.cache.EvictNaturalID(entity, values)
}

// retrackCollection records post-flush membership as the loaded state.
func retrackCollection(r *Runtime, a *engine.CollectionUpdate) {
	children, err := a.Relation.RelatedInstances(a.Owner.Instance)
	if err != nil {
		return
	}
	keys := make([]engine.EntityKey, 0, len(children))
	for _, child := range children {
		if childEntry := r.pc.EntryOf(child); childEntry != nil && childEntry.Status == types.StateManaged {
			keys = append(keys, childEntry.Key)
		}
	}
	r.pc.TrackCollection(a.Owner.Key, a.Relation, keys)
}

// DefaultAutoFlushListener flushes before a query when unflushed work could
// change its result. Query spaces narrow the check to the tables being read;
// without spaces any dirt flushes.
type DefaultAutoFlushListener struct{}

func (DefaultAutoFlushListener) OnAutoFlush(ctx context.Context, r *Runtime, e *AutoFlushEvent) error {
	dirty := &DirtyCheckEvent{}
	if err := r.FireDirtyCheck(ctx, dirty); err != nil {
		return err
	}
	if !dirty.Dirty {
		return nil
	}
	if len(e.Spaces) > 0 {
		touched := dirtyTables(r)
		overlap := false
		for _, s := range e.Spaces {
			if _, ok := touched[s]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			return nil
		}
	}
	if err := r.FireFlush(ctx, &FlushEvent{}); err != nil {
		return err
	}
	e.Flushed = true
	return nil
}

// dirtyTables lists the tables unflushed work would touch, queued or not.
func dirtyTables(r *Runtime) map[string]struct{} {
	tables := r.queue.AffectedTables()
	for _, entry := range r.pc.Entries() {
		if entry.RequiresDirtyCheck() {
			dirty, err := engine.DirtyFields(entry.Meta, entry.Instance, entry.LoadedState)
			if err == nil && (len(dirty) > 0 || pendingFKSync(r, entry.Meta, entry.Instance)) {
				tables[entry.Meta.TableName()] = struct{}{}
			}
		}
		if entry.Status != types.StateManaged {
			continue
		}
		for _, rel := range entry.Meta.Relations {
			if rel.Kind != meta.HasMany || rel.Target == nil {
				continue
			}
			if changed, err := collectionDirty(r, entry, rel); err == nil && changed {
				tables[rel.Target.TableName()] = struct{}{}
			}
		}
	}
	return tables
}

// collectionDirty reports membership drift without queueing work.
func collectionDirty(r *Runtime, owner *engine.EntityEntry, rel *meta.Relation) (bool, error) {
	children, err := rel.RelatedInstances(owner.Instance)
	if err != nil {
		return false, err
	}
	ce := r.pc.Collection(owner.Key, rel.Name)
	if ce == nil || ce.LoadedKeys == nil {
		for _, child := range children {
			childEntry := r.pc.EntryOf(child)
			if childEntry == nil {
				// transient child awaiting the persist cascade
				return true, nil
			}
			if childNeedsAttach(r, owner, rel, childEntry) {
				return true, nil
			}
		}
		return false, nil
	}
	if len(children) != len(ce.LoadedKeys) {
		return true, nil
	}
	loaded := make(map[engine.EntityKey]struct{}, len(ce.LoadedKeys))
	for _, k := range ce.LoadedKeys {
		loaded[k] = struct{}{}
	}
	for _, child := range children {
		childEntry := r.pc.EntryOf(child)
		if childEntry == nil {
			return true, nil
		}
		if _, ok := loaded[childEntry.Key]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// DefaultDirtyCheckListener answers IsDirty without scheduling anything.
type DefaultDirtyCheckListener struct{}

func (DefaultDirtyCheckListener) OnDirtyCheck(_ context.Context, r *Runtime, e *DirtyCheckEvent) error {
	if r.queue.HasPending() {
		e.Dirty = true
		return nil
	}
	for _, entry := range r.pc.Entries() {
		if entry.RequiresDirtyCheck() {
			dirty, err := engine.DirtyFields(entry.Meta, entry.Instance, entry.LoadedState)
			if err != nil {
				return err
			}
			if len(dirty) > 0 || pendingFKSync(r, entry.Meta, entry.Instance) {
				e.Dirty = true
				return nil
			}
		}
		if entry.Status != types.StateManaged {
			continue
		}
		for _, rel := range entry.Meta.Relations {
			if rel.Kind != meta.HasMany || rel.Target == nil {
				continue
			}
			changed, err := collectionDirty(r, entry, rel)
			if err != nil {
				return err
			}
			if changed {
				e.Dirty = true
				return nil
			}
		}
	}
	return nil
}

// DefaultEvictListener detaches one instance: its pending writes are
// cancelled and its entry leaves the session. The instance itself is left
// untouched.
type DefaultEvictListener struct{}

func (DefaultEvictListener) OnEvict(_ context.Context, r *Runtime, e *EvictEvent) error {
	if e.Instance == nil {
		return nil
	}
	entry := r.pc.EntryOf(e.Instance)
	if entry == nil {
		return nil
	}
	r.queue.RemoveInsert(e.Instance)
	r.queue.UnscheduleDelete(e.Instance)
	r.pc.Remove(entry)
	entry.Status = types.StateDetached
	return nil
}
