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
	"reflect"

	"github.com/tomoncle/dormouse/meta"
)

// EntityKey identifies one row inside a persistence context: entity name plus
// normalized id. Two lookups of the same row always produce equal keys, even
// when one id arrives as int and the other as int64.
type EntityKey struct {
	EntityName string
	ID         interface{}
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s#%v", k.EntityName, k.ID)
}

// NewEntityKey builds the identity map key for an entity and id value.
func NewEntityKey(entity *meta.Entity, id interface{}) (EntityKey, error) {
	norm, err := NormalizeID(id)
	if err != nil {
		return EntityKey{}, fmt.Errorf("key for %s: %w", entity.Name, err)
	}
	return EntityKey{EntityName: entity.Name, ID: norm}, nil
}

// KeyFromInstance reads the id off the instance and builds its key.
func KeyFromInstance(entity *meta.Entity, instance interface{}) (EntityKey, error) {
	id, err := entity.IDValue(instance)
	if err != nil {
		return EntityKey{}, err
	}
	return NewEntityKey(entity, id)
}

// NormalizeID folds equivalent id representations together: all signed
// integers become int64, unsigned become uint64, float32 becomes float64.
// Delayed ids pass through untouched since their pointer is the identity.
// Non-comparable values are rejected.
func NormalizeID(id interface{}) (interface{}, error) {
	switch v := id.(type) {
	case nil:
		return nil, fmt.Errorf("id must not be nil")
	case *DelayedID:
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uint64(v), nil
	case uint8:
		return uint64(v), nil
	case uint16:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		return v, nil
	}
	rv := reflect.ValueOf(id)
	if rv.Kind() == reflect.Ptr {
		return nil, fmt.Errorf("pointer id %T is not supported", id)
	}
	if !rv.Type().Comparable() {
		return nil, fmt.Errorf("id type %T is not comparable", id)
	}
	return id, nil
}

// IsZeroID reports whether the value is the zero value of its type, meaning
// no identifier was assigned yet.
func IsZeroID(id interface{}) bool {
	if id == nil {
		return true
	}
	if _, ok := id.(*DelayedID); ok {
		return false
	}
	return reflect.ValueOf(id).IsZero()
}
