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

	"github.com/uptrace/bun/schema"
)

// Entity holds everything the session engine needs to know about one mapped
// struct: its table, identifier, version and natural id fields, and relations.
type Entity struct {
	// Name is the Go struct name, used in logs and cache keys.
	Name string
	// Type is the struct type (not the pointer type).
	Type reflect.Type
	// Table is Bun's resolved table metadata.
	Table *schema.Table

	// ID is the single primary key field. Composite keys are not supported.
	ID *schema.Field
	// Version is the optimistic locking field, nil when the entity is not
	// versioned.
	Version *schema.Field
	// NaturalID lists the fields forming the immutable-by-default natural id.
	NaturalID []*schema.Field
	// NaturalIDMutable marks the natural id as updatable; lookups then verify
	// cached resolutions against current state.
	NaturalIDMutable bool

	// IDStrategy names the identifier generator: assigned, identity, uuid,
	// hilo, or sequence.
	IDStrategy string
	// BatchSize caps how many pending ids one loader round trip may fetch.
	// Zero disables batch fetching for the entity.
	BatchSize int
	// Cacheable enables second level caching for the entity.
	Cacheable bool
	// CacheRegion names the cache region; defaults to the entity name.
	CacheRegion string
	// ReadOnly entities are never dirty checked and reject mutation.
	ReadOnly bool

	// Relations the cascade engine walks, in declaration order.
	Relations []*Relation

	relationsByName map[string]*Relation
	fieldsByGoName  map[string]*schema.Field
}

// TableName returns the mapped SQL table name.
func (e *Entity) TableName() string {
	return e.Table.Name
}

// Relation returns the relation declared on the given Go field, or nil.
func (e *Entity) Relation(goField string) *Relation {
	return e.relationsByName[goField]
}

// FieldByGoName resolves a column-mapped field from its Go field name.
func (e *Entity) FieldByGoName(name string) (*schema.Field, bool) {
	f, ok := e.fieldsByGoName[name]
	return f, ok
}

// FieldValue reads one column-mapped field by Go field name.
func (e *Entity) FieldValue(entity interface{}, goName string) (interface{}, error) {
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	f, ok := e.fieldsByGoName[goName]
	if !ok {
		return nil, fmt.Errorf("entity %s has no mapped field %s", e.Name, goName)
	}
	return f.Value(v).Interface(), nil
}

// SetFieldValue writes one column-mapped field by Go field name. A nil value
// resets the field to its zero value.
func (e *Entity) SetFieldValue(entity interface{}, goName string, value interface{}) error {
	v, err := e.structValue(entity)
	if err != nil {
		return err
	}
	f, ok := e.fieldsByGoName[goName]
	if !ok {
		return fmt.Errorf("entity %s has no mapped field %s", e.Name, goName)
	}
	if err := setFieldValue(f.Value(v), value); err != nil {
		return fmt.Errorf("field %s.%s: %w", e.Name, goName, err)
	}
	return nil
}

// Versioned reports whether the entity carries an optimistic version field.
func (e *Entity) Versioned() bool {
	return e.Version != nil
}

// HasNaturalID reports whether a natural id is mapped.
func (e *Entity) HasNaturalID() bool {
	return len(e.NaturalID) > 0
}

// structValue unwraps an entity pointer into its addressable struct value.
func (e *Entity) structValue(entity interface{}) (reflect.Value, error) {
	v := reflect.ValueOf(entity)
	if !v.IsValid() || v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, fmt.Errorf("entity must be a non-nil pointer, got %T", entity)
	}
	v = v.Elem()
	if v.Type() != e.Type {
		return reflect.Value{}, fmt.Errorf("entity type mismatch: want *%s, got %T", e.Name, entity)
	}
	return v, nil
}

// IDValue reads the identifier from an entity pointer.
func (e *Entity) IDValue(entity interface{}) (interface{}, error) {
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	return e.ID.Value(v).Interface(), nil
}

// HasZeroID reports whether the identifier is unset.
func (e *Entity) HasZeroID(entity interface{}) (bool, error) {
	v, err := e.structValue(entity)
	if err != nil {
		return false, err
	}
	return e.ID.Value(v).IsZero(), nil
}

// SetID writes the identifier onto an entity pointer, converting assignable
// kinds (e.g. int64 into uint).
func (e *Entity) SetID(entity interface{}, id interface{}) error {
	v, err := e.structValue(entity)
	if err != nil {
		return err
	}
	return setFieldValue(e.ID.Value(v), id)
}

// VersionValue reads the version field, or nil for unversioned entities.
func (e *Entity) VersionValue(entity interface{}) (interface{}, error) {
	if e.Version == nil {
		return nil, nil
	}
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	return e.Version.Value(v).Interface(), nil
}

// SetVersion writes the version field.
func (e *Entity) SetVersion(entity interface{}, version interface{}) error {
	if e.Version == nil {
		return fmt.Errorf("entity %s is not versioned", e.Name)
	}
	v, err := e.structValue(entity)
	if err != nil {
		return err
	}
	return setFieldValue(e.Version.Value(v), version)
}

// NaturalIDValues reads the natural id fields in mapping order.
func (e *Entity) NaturalIDValues(entity interface{}) ([]interface{}, error) {
	if len(e.NaturalID) == 0 {
		return nil, fmt.Errorf("entity %s has no natural id", e.Name)
	}
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	values := make([]interface{}, len(e.NaturalID))
	for i, f := range e.NaturalID {
		values[i] = f.Value(v).Interface()
	}
	return values, nil
}

// StateFields returns the fields covered by snapshots and dirty checking:
// every column except the primary key.
func (e *Entity) StateFields() []*schema.Field {
	fields := make([]*schema.Field, 0, len(e.Table.Fields))
	for _, f := range e.Table.Fields {
		if f.IsPK {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// CopyState snapshots the current values of all state fields.
func (e *Entity) CopyState(entity interface{}) ([]interface{}, error) {
	v, err := e.structValue(entity)
	if err != nil {
		return nil, err
	}
	fields := e.StateFields()
	state := make([]interface{}, len(fields))
	for i, f := range fields {
		state[i] = copyValue(f.Value(v))
	}
	return state, nil
}

// ApplyState writes a snapshot produced by CopyState back onto an entity.
func (e *Entity) ApplyState(entity interface{}, state []interface{}) error {
	v, err := e.structValue(entity)
	if err != nil {
		return err
	}
	fields := e.StateFields()
	if len(state) != len(fields) {
		return fmt.Errorf("state length mismatch for %s: want %d, got %d", e.Name, len(fields), len(state))
	}
	for i, f := range fields {
		if err := setFieldValue(f.Value(v), state[i]); err != nil {
			return fmt.Errorf("field %s.%s: %w", e.Name, f.GoName, err)
		}
	}
	return nil
}

// NewInstance allocates a fresh *T for the entity.
func (e *Entity) NewInstance() interface{} {
	return reflect.New(e.Type).Interface()
}

func setFieldValue(dst reflect.Value, value interface{}) error {
	if !dst.CanSet() {
		return fmt.Errorf("field is not settable")
	}
	if value == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	v := reflect.ValueOf(value)
	if v.Type() == dst.Type() {
		dst.Set(v)
		return nil
	}
	if v.Type().ConvertibleTo(dst.Type()) {
		dst.Set(v.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %s to %s", v.Type(), dst.Type())
}

// copyValue returns a copy suitable for snapshots. Slices and maps are
// shallow-cloned so later entity mutation does not alias the snapshot.
func copyValue(v reflect.Value) interface{} {
	switch v.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			return v.Interface()
		}
		c := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		reflect.Copy(c, v)
		return c.Interface()
	case reflect.Map:
		if v.IsNil() {
			return v.Interface()
		}
		c := reflect.MakeMap(v.Type())
		for _, k := range v.MapKeys() {
			c.SetMapIndex(k, v.MapIndex(k))
		}
		return c.Interface()
	default:
		return v.Interface()
	}
}
