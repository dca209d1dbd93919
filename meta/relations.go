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

	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun/schema"
)

// RelationKind classifies how two entities are joined.
type RelationKind int

const (
	// BelongsTo means the foreign key sits on this entity and points at the
	// target, e.g. Order.UserID -> users.id.
	BelongsTo RelationKind = iota + 1
	// HasOne means the target carries the foreign key and at most one row
	// references this entity.
	HasOne
	// HasMany means the target carries the foreign key and a slice field
	// holds the children.
	HasMany
)

func (k RelationKind) String() string {
	switch k {
	case BelongsTo:
		return "belongs-to"
	case HasOne:
		return "has-one"
	case HasMany:
		return "has-many"
	default:
		return "unknown"
	}
}

// Relation describes one association the cascade engine and the collection
// flush walk. Cascade behavior and fetch style come from dm struct tags or
// registration options, not from Bun.
type Relation struct {
	// Name is the Go field name holding the related value.
	Name string
	// Kind classifies the join direction.
	Kind RelationKind
	// OwnerType and TargetType are the struct types on each side.
	OwnerType  reflect.Type
	TargetType reflect.Type
	// Target is resolved once all entities are registered.
	Target *Entity

	// Cascade selects which operations propagate across this relation.
	Cascade types.CascadeKind
	// OrphanRemoval deletes children removed from a has-many collection;
	// without it they are dissociated by nulling the foreign key.
	OrphanRemoval bool
	// Eager relations load together with their owner.
	Eager bool

	// BaseColumns are the owner-side join columns, JoinColumns the
	// target-side ones. For belongs-to the base columns are the foreign key;
	// for has-one/has-many the join columns are.
	BaseColumns []string
	JoinColumns []string

	// BaseGoFields / JoinGoFields are the Go field names matching the join
	// columns, used to read and write foreign key values by reflection.
	BaseGoFields []string
	JoinGoFields []string

	fieldIndex []int
}

// FKOnTarget reports whether the foreign key lives on the target table.
func (r *Relation) FKOnTarget() bool {
	return r.Kind == HasOne || r.Kind == HasMany
}

// Value returns the relation field from an owner struct value.
func (r *Relation) Value(owner reflect.Value) reflect.Value {
	return owner.FieldByIndex(r.fieldIndex)
}

// RelatedInstances returns the non-nil related entity pointers: one for
// belongs-to/has-one, every element for has-many.
func (r *Relation) RelatedInstances(owner interface{}) ([]interface{}, error) {
	v := reflect.ValueOf(owner)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, fmt.Errorf("owner must be a non-nil pointer, got %T", owner)
	}
	field := r.Value(v.Elem())

	switch r.Kind {
	case HasMany:
		if field.Kind() != reflect.Slice || field.IsNil() {
			return nil, nil
		}
		out := make([]interface{}, 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			el := field.Index(i)
			if el.Kind() == reflect.Ptr {
				if el.IsNil() {
					continue
				}
				out = append(out, el.Interface())
			} else if el.CanAddr() {
				out = append(out, el.Addr().Interface())
			}
		}
		return out, nil
	default:
		if field.Kind() != reflect.Ptr || field.IsNil() {
			return nil, nil
		}
		return []interface{}{field.Interface()}, nil
	}
}

// SetRelated writes the relation field: a pointer for belongs-to/has-one, a
// slice of pointers for has-many.
func (r *Relation) SetRelated(owner interface{}, related interface{}) error {
	v := reflect.ValueOf(owner)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() {
		return fmt.Errorf("owner must be a non-nil pointer, got %T", owner)
	}
	field := r.Value(v.Elem())
	if !field.CanSet() {
		return fmt.Errorf("relation field %s is not settable", r.Name)
	}
	if related == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}
	rv := reflect.ValueOf(related)
	if !rv.Type().AssignableTo(field.Type()) {
		return fmt.Errorf("cannot assign %T to relation field %s", related, r.Name)
	}
	field.Set(rv)
	return nil
}

// buildRelations maps Bun's relation metadata into engine relations. Access to
// schema.Relation internals is confined to this function so a Bun upgrade
// only touches one place. Many-to-many relations are intentionally skipped:
// fetching them goes through Bun's relation queries and they never cascade.
func buildRelations(table *schema.Table, ownerType reflect.Type) ([]*Relation, error) {
	if len(table.Relations) == 0 {
		return nil, nil
	}
	relations := make([]*Relation, 0, len(table.Relations))
	for name, rel := range table.Relations {
		var kind RelationKind
		switch rel.Type {
		case schema.BelongsToRelation:
			kind = BelongsTo
		case schema.HasOneRelation:
			kind = HasOne
		case schema.HasManyRelation:
			kind = HasMany
		case schema.ManyToManyRelation:
			continue
		default:
			return nil, fmt.Errorf("unsupported relation type on %s.%s", ownerType.Name(), name)
		}

		targetType := rel.JoinTable.Type
		if targetType.Kind() == reflect.Ptr {
			targetType = targetType.Elem()
		}

		r := &Relation{
			Name:       name,
			Kind:       kind,
			OwnerType:  ownerType,
			TargetType: targetType,
			fieldIndex: rel.Field.Index,
		}
		for _, f := range rel.BaseFields {
			r.BaseColumns = append(r.BaseColumns, f.Name)
			r.BaseGoFields = append(r.BaseGoFields, f.GoName)
		}
		for _, f := range rel.JoinFields {
			r.JoinColumns = append(r.JoinColumns, f.Name)
			r.JoinGoFields = append(r.JoinGoFields, f.GoName)
		}
		relations = append(relations, r)
	}
	return relations, nil
}
