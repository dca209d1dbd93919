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

// SeedVersion returns the initial version value (1) typed like the entity's
// version field.
func SeedVersion(entity *meta.Entity) (interface{}, error) {
	if entity.Version == nil {
		return nil, fmt.Errorf("entity %s has no version field", entity.Name)
	}
	v := reflect.New(entity.Version.IndirectType).Elem()
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v.SetInt(1)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v.SetUint(1)
	default:
		return nil, fmt.Errorf("entity %s: unsupported version kind %s", entity.Name, v.Kind())
	}
	return v.Interface(), nil
}

// NextVersion increments a version value, preserving its concrete type.
func NextVersion(current interface{}) (interface{}, error) {
	if current == nil {
		return nil, fmt.Errorf("version value is nil")
	}
	v := reflect.ValueOf(current)
	next := reflect.New(v.Type()).Elem()
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		next.SetInt(v.Int() + 1)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		next.SetUint(v.Uint() + 1)
	default:
		return nil, fmt.Errorf("unsupported version type %T", current)
	}
	return next.Interface(), nil
}
