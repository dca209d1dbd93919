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

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/tomoncle/dormouse/database"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

const defaultBatchSize = 16

// Registry holds the mapping metadata for every registered entity type.
// Registration happens once at startup; afterwards the registry is read-only
// and safe for concurrent sessions.
type Registry struct {
	db *bun.DB

	mu        sync.RWMutex
	byType    map[reflect.Type]*Entity
	byName    map[string]*Entity
	order     []*Entity
	batchSize int
	linked    bool
}

// NewRegistry builds an empty registry bound to a Bun connection. The
// connection supplies table metadata (columns, primary keys, relations)
// derived from bun struct tags.
func NewRegistry(db *bun.DB) *Registry {
	return &Registry{
		db:        db,
		byType:    make(map[reflect.Type]*Entity),
		byName:    make(map[string]*Entity),
		batchSize: defaultBatchSize,
	}
}

// SetDefaultBatchSize changes the batch-fetch size applied to entities that
// do not set their own.
func (r *Registry) SetDefaultBatchSize(n int) {
	if n > 0 {
		r.mu.Lock()
		r.batchSize = n
		r.mu.Unlock()
	}
}

// Register maps a struct type. The instance is only used for its type; pass
// (*Order)(nil) or &Order{}. Mapping details come from bun and dm struct
// tags, with opts overriding tags.
func (r *Registry) Register(instance interface{}, opts ...Option) (*Entity, error) {
	typ, err := structType(instance)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byType[typ]; ok {
		if len(opts) > 0 {
			return nil, fmt.Errorf("entity %s is already registered, mapping options cannot change", typ.Name())
		}
		return existing, nil
	}

	table := r.db.Table(typ)
	if len(table.PKs) == 0 {
		return nil, fmt.Errorf("entity %s has no primary key", typ.Name())
	}
	if len(table.PKs) > 1 {
		return nil, fmt.Errorf("entity %s: composite primary keys are not supported", typ.Name())
	}

	entity := &Entity{
		Name:            typ.Name(),
		Type:            typ,
		Table:           table,
		ID:              table.PKs[0],
		BatchSize:       r.batchSize,
		fieldsByGoName:  make(map[string]*schema.Field, len(table.Fields)),
		relationsByName: make(map[string]*Relation),
	}
	for _, f := range table.Fields {
		entity.fieldsByGoName[f.GoName] = f
	}

	tags, err := parseEntityTags(typ)
	if err != nil {
		return nil, err
	}
	if err := applyTags(entity, tags); err != nil {
		return nil, err
	}

	relations, err := buildRelations(table, typ)
	if err != nil {
		return nil, err
	}
	for _, rel := range relations {
		if t, ok := tags.relations[rel.Name]; ok {
			rel.Cascade = t.cascade
			rel.OrphanRemoval = t.orphan
			rel.Eager = t.eager
		}
		entity.relationsByName[rel.Name] = rel
	}
	entity.Relations = relations

	if entity.IDStrategy == "" {
		if entity.ID.AutoIncrement {
			entity.IDStrategy = "identity"
		} else {
			entity.IDStrategy = "assigned"
		}
	}

	for _, opt := range opts {
		opt(entity)
	}
	if err := validateEntity(entity); err != nil {
		return nil, err
	}

	r.byType[typ] = entity
	r.byName[entity.Name] = entity
	r.order = append(r.order, entity)
	r.linked = false
	return entity, nil
}

func applyTags(entity *Entity, tags *entityTags) error {
	entity.IDStrategy = tags.idStrategy

	if tags.versionField != "" {
		f, ok := entity.fieldsByGoName[tags.versionField]
		if !ok {
			return fmt.Errorf("entity %s: version field %s is not a mapped column", entity.Name, tags.versionField)
		}
		entity.Version = f
	}
	for _, name := range tags.naturalIDs {
		f, ok := entity.fieldsByGoName[name]
		if !ok {
			return fmt.Errorf("entity %s: natural id field %s is not a mapped column", entity.Name, name)
		}
		if f.IsPK {
			return fmt.Errorf("entity %s: primary key %s cannot also be a natural id", entity.Name, name)
		}
		entity.NaturalID = append(entity.NaturalID, f)
	}
	entity.NaturalIDMutable = tags.naturalIDMut
	return nil
}

func validateEntity(entity *Entity) error {
	if entity.Version != nil {
		if entity.Version.IsPK {
			return fmt.Errorf("entity %s: primary key cannot be the version field", entity.Name)
		}
		if entity.Version.IsPtr {
			return fmt.Errorf("entity %s: version field %s must not be a pointer",
				entity.Name, entity.Version.GoName)
		}
		switch entity.Version.IndirectType.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return fmt.Errorf("entity %s: version field %s must be an integer type",
				entity.Name, entity.Version.GoName)
		}
	}
	if entity.NaturalIDMutable && len(entity.NaturalID) == 0 {
		return fmt.Errorf("entity %s: mutable natural id declared without natural id fields", entity.Name)
	}
	return nil
}

func structType(instance interface{}) (reflect.Type, error) {
	typ := reflect.TypeOf(instance)
	if typ == nil {
		return nil, fmt.Errorf("cannot register a nil entity")
	}
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("entity must be registered as a struct pointer, got %T", instance)
	}
	return typ.Elem(), nil
}

// Get returns the metadata for a struct type registered earlier. Pointer
// types are dereferenced.
func (r *Registry) Get(typ reflect.Type) (*Entity, error) {
	if typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	r.mu.RLock()
	entity, ok := r.byType[typ]
	r.mu.RUnlock()
	if !ok {
		name := "<nil>"
		if typ != nil {
			name = typ.String()
		}
		return nil, fmt.Errorf("entity type %s is not registered", name)
	}
	return entity, nil
}

// For resolves metadata from an entity instance.
func (r *Registry) For(instance interface{}) (*Entity, error) {
	return r.Get(reflect.TypeOf(instance))
}

// ByName returns the metadata registered under the given struct name.
func (r *Registry) ByName(name string) (*Entity, bool) {
	r.mu.RLock()
	entity, ok := r.byName[name]
	r.mu.RUnlock()
	return entity, ok
}

// Entities returns all registered entities in registration order.
func (r *Registry) Entities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entity, len(r.order))
	copy(out, r.order)
	return out
}

// LinkRelations resolves relation targets across all registered entities.
// Call it once after the final Register; it fails if a relation points at a
// type that was never registered.
func (r *Registry) LinkRelations() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entity := range r.order {
		for _, rel := range entity.Relations {
			target, ok := r.byType[rel.TargetType]
			if !ok {
				return fmt.Errorf("relation %s.%s targets unregistered entity %s",
					entity.Name, rel.Name, rel.TargetType.Name())
			}
			rel.Target = target
		}
	}
	r.linked = true
	return nil
}

// SortedEntities returns entities ordered so that every foreign key target
// comes before the table holding the reference. Feeding this order into table
// creation keeps constraint DDL valid. Self references are ignored; if a true
// cycle remains, the leftover entities are appended in name order.
func (r *Registry) SortedEntities() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// child -> set of parents that must be created first
	deps := make(map[*Entity]map[*Entity]struct{}, len(r.order))
	for _, e := range r.order {
		deps[e] = make(map[*Entity]struct{})
	}
	for _, e := range r.order {
		for _, rel := range e.Relations {
			target, ok := r.byType[rel.TargetType]
			if !ok || target == e {
				continue
			}
			if rel.FKOnTarget() {
				deps[target][e] = struct{}{}
			} else {
				deps[e][target] = struct{}{}
			}
		}
	}

	remaining := make([]*Entity, len(r.order))
	copy(remaining, r.order)
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].Name < remaining[j].Name })

	sorted := make([]*Entity, 0, len(remaining))
	done := make(map[*Entity]bool, len(remaining))
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, e := range remaining {
			ready := true
			for parent := range deps[e] {
				if !done[parent] {
					ready = false
					break
				}
			}
			if ready {
				sorted = append(sorted, e)
				done[e] = true
				progressed = true
			} else {
				next = append(next, e)
			}
		}
		remaining = next
		if !progressed {
			// cycle: emit what is left in name order
			sorted = append(sorted, remaining...)
			break
		}
	}
	return sorted
}

// ForeignKeyConstraints derives database-level constraints from the mapped
// relations, deduplicating the two sides of a bidirectional association.
// The result feeds database.RegisterForeignKeyProvider.
func (r *Registry) ForeignKeyConstraints() []database.ForeignKeyConstraint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var constraints []database.ForeignKeyConstraint
	for _, e := range r.order {
		for _, rel := range e.Relations {
			target, ok := r.byType[rel.TargetType]
			if !ok {
				continue
			}
			for i := range rel.BaseColumns {
				if i >= len(rel.JoinColumns) {
					break
				}
				var c database.ForeignKeyConstraint
				if rel.FKOnTarget() {
					c = database.ForeignKeyConstraint{
						Table:           target.TableName(),
						Column:          rel.JoinColumns[i],
						ReferenceTable:  e.TableName(),
						ReferenceColumn: rel.BaseColumns[i],
					}
				} else {
					c = database.ForeignKeyConstraint{
						Table:           e.TableName(),
						Column:          rel.BaseColumns[i],
						ReferenceTable:  target.TableName(),
						ReferenceColumn: rel.JoinColumns[i],
					}
				}
				key := c.Table + "." + c.Column + ">" + c.ReferenceTable + "." + c.ReferenceColumn
				if seen[key] {
					continue
				}
				seen[key] = true
				constraints = append(constraints, c)
			}
		}
	}
	return constraints
}

// NaturalIDIndexes derives one unique index per entity with a natural id,
// feeding database.RegisterIndexProvider.
func (r *Registry) NaturalIDIndexes() []database.TableIndex {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var indexes []database.TableIndex
	for _, e := range r.order {
		if len(e.NaturalID) == 0 {
			continue
		}
		columns := make([]string, len(e.NaturalID))
		for i, f := range e.NaturalID {
			columns[i] = f.Name
		}
		indexes = append(indexes, database.TableIndex{
			Table:   e.TableName(),
			Name:    fmt.Sprintf("ux_%s_%s", e.TableName(), strings.Join(columns, "_")),
			Columns: columns,
			Unique:  true,
		})
	}
	return indexes
}
