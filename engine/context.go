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

package engine

import (
	"fmt"
	"strings"

	"github.com/tomoncle/dormouse/meta"
)

// PersistenceContext is the first-level cache of one session: at most one
// managed instance per EntityKey, plus the natural-id resolution cache and
// the loaded state of has-many collections. It is not safe for concurrent
// use; the owning session serializes access.
type PersistenceContext struct {
	entries    map[EntityKey]*EntityEntry
	byInstance map[interface{}]*EntityEntry
	// entryOrder preserves registration order so flushes visit entities
	// deterministically.
	entryOrder []*EntityEntry

	naturalIDs   map[naturalIDKey]EntityKey
	naturalIDByK map[EntityKey]naturalIDKey

	collections map[CollectionKey]*CollectionEntry
}

// NewPersistenceContext returns an empty context.
func NewPersistenceContext() *PersistenceContext {
	pc := &PersistenceContext{}
	pc.reset()
	return pc
}

func (pc *PersistenceContext) reset() {
	pc.entries = make(map[EntityKey]*EntityEntry)
	pc.byInstance = make(map[interface{}]*EntityEntry)
	pc.entryOrder = pc.entryOrder[:0]
	pc.naturalIDs = make(map[naturalIDKey]EntityKey)
	pc.naturalIDByK = make(map[EntityKey]naturalIDKey)
	pc.collections = make(map[CollectionKey]*CollectionEntry)
}

// Add registers an entry under its key and instance. It fails when a
// different instance already occupies the key.
func (pc *PersistenceContext) Add(entry *EntityEntry) error {
	if existing, ok := pc.entries[entry.Key]; ok {
		if existing.Instance == entry.Instance {
			return nil
		}
		return &NonUniqueObjectError{EntityName: entry.Key.EntityName, ID: entry.Key.ID}
	}
	pc.entries[entry.Key] = entry
	pc.byInstance[entry.Instance] = entry
	pc.entryOrder = append(pc.entryOrder, entry)
	return nil
}

// Entry returns the entry under key, or nil.
func (pc *PersistenceContext) Entry(key EntityKey) *EntityEntry {
	return pc.entries[key]
}

// EntryOf returns the entry tracking the given instance, or nil.
func (pc *PersistenceContext) EntryOf(instance interface{}) *EntityEntry {
	return pc.byInstance[instance]
}

// Contains reports whether the instance is tracked by this context.
func (pc *PersistenceContext) Contains(instance interface{}) bool {
	return pc.byInstance[instance] != nil
}

// Entries returns all tracked entries in registration order. The slice is
// shared; callers must not mutate it.
func (pc *PersistenceContext) Entries() []*EntityEntry {
	return pc.entryOrder
}

// Size returns the number of managed entries.
func (pc *PersistenceContext) Size() int {
	return len(pc.entries)
}

// Remove detaches the entry from every index. Collections owned by the entry
// and its natural-id cache slot go with it.
func (pc *PersistenceContext) Remove(entry *EntityEntry) {
	if entry == nil {
		return
	}
	delete(pc.entries, entry.Key)
	delete(pc.byInstance, entry.Instance)
	for i, e := range pc.entryOrder {
		if e == entry {
			pc.entryOrder = append(pc.entryOrder[:i], pc.entryOrder[i+1:]...)
			break
		}
	}
	if nk, ok := pc.naturalIDByK[entry.Key]; ok {
		delete(pc.naturalIDs, nk)
		delete(pc.naturalIDByK, entry.Key)
	}
	for ck := range pc.collections {
		if ck.Owner == entry.Key {
			delete(pc.collections, ck)
		}
	}
}

// Rekey moves an entry from its delayed placeholder key to the real id the
// database assigned. Natural-id and collection bookkeeping follow.
func (pc *PersistenceContext) Rekey(entry *EntityEntry, newID interface{}) error {
	newKey, err := NewEntityKey(entry.Meta, newID)
	if err != nil {
		return err
	}
	if newKey == entry.Key {
		return nil
	}
	if existing, ok := pc.entries[newKey]; ok && existing != entry {
		return &NonUniqueObjectError{EntityName: newKey.EntityName, ID: newKey.ID}
	}
	oldKey := entry.Key
	delete(pc.entries, oldKey)
	entry.Key = newKey
	pc.entries[newKey] = entry

	if nk, ok := pc.naturalIDByK[oldKey]; ok {
		delete(pc.naturalIDByK, oldKey)
		pc.naturalIDs[nk] = newKey
		pc.naturalIDByK[newKey] = nk
	}
	var moved []*CollectionEntry
	for ck, ce := range pc.collections {
		if ck.Owner == oldKey {
			delete(pc.collections, ck)
			ce.Key.Owner = newKey
			moved = append(moved, ce)
		}
	}
	for _, ce := range moved {
		pc.collections[ce.Key] = ce
	}
	return nil
}

// Clear empties the context. Every previously managed instance is detached.
func (pc *PersistenceContext) Clear() {
	pc.reset()
}

// --- natural-id resolution cache ---

type naturalIDKey struct {
	entityName string
	values     string
}

func newNaturalIDKey(entityName string, values []interface{}) naturalIDKey {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return naturalIDKey{entityName: entityName, values: strings.Join(parts, "\x1f")}
}

// CacheNaturalID remembers that the natural-id tuple resolves to key.
func (pc *PersistenceContext) CacheNaturalID(entityName string, values []interface{}, key EntityKey) {
	nk := newNaturalIDKey(entityName, values)
	if old, ok := pc.naturalIDByK[key]; ok && old != nk {
		delete(pc.naturalIDs, old)
	}
	pc.naturalIDs[nk] = key
	pc.naturalIDByK[key] = nk
}

// LookupNaturalID resolves a natural-id tuple cached earlier in this session.
func (pc *PersistenceContext) LookupNaturalID(entityName string, values []interface{}) (EntityKey, bool) {
	key, ok := pc.naturalIDs[newNaturalIDKey(entityName, values)]
	return key, ok
}

// EvictNaturalID drops the cached tuple for one entity key, if any.
func (pc *PersistenceContext) EvictNaturalID(key EntityKey) {
	if nk, ok := pc.naturalIDByK[key]; ok {
		delete(pc.naturalIDs, nk)
		delete(pc.naturalIDByK, key)
	}
}

// --- collection bookkeeping ---

// CollectionKey identifies one has-many field of one owning row.
type CollectionKey struct {
	Owner EntityKey
	Field string
}

// CollectionEntry records which children a collection held when it was
// loaded; the flush diffs the current field value against it.
type CollectionEntry struct {
	Key      CollectionKey
	Relation *meta.Relation
	// LoadedKeys in load order. Nil means the collection was never loaded
	// and must not be diffed.
	LoadedKeys []EntityKey
}

// TrackCollection snapshots a collection's membership.
func (pc *PersistenceContext) TrackCollection(owner EntityKey, rel *meta.Relation, loaded []EntityKey) {
	ck := CollectionKey{Owner: owner, Field: rel.Name}
	pc.collections[ck] = &CollectionEntry{Key: ck, Relation: rel, LoadedKeys: loaded}
}

// Collection returns the tracked state of one collection, or nil.
func (pc *PersistenceContext) Collection(owner EntityKey, field string) *CollectionEntry {
	return pc.collections[CollectionKey{Owner: owner, Field: field}]
}

// CollectionsOf returns every tracked collection owned by key.
func (pc *PersistenceContext) CollectionsOf(owner EntityKey) []*CollectionEntry {
	var out []*CollectionEntry
	for ck, ce := range pc.collections {
		if ck.Owner == owner {
			out = append(out, ce)
		}
	}
	return out
}
