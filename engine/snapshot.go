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
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun/schema"
)

// DirtyFields compares the instance against its loaded snapshot and returns
// the fields whose values changed. The version field is excluded: the engine
// maintains it, user writes to it are ignored.
func DirtyFields(entity *meta.Entity, instance interface{}, loaded []interface{}) ([]*schema.Field, error) {
	current, err := entity.CopyState(instance)
	if err != nil {
		return nil, err
	}
	fields := entity.StateFields()
	if len(loaded) != len(fields) {
		return nil, fmt.Errorf("snapshot length mismatch for %s: want %d, got %d",
			entity.Name, len(fields), len(loaded))
	}
	var dirty []*schema.Field
	for i, f := range fields {
		if entity.Version != nil && f.Name == entity.Version.Name {
			continue
		}
		if !equalValue(current[i], loaded[i]) {
			dirty = append(dirty, f)
		}
	}
	return dirty, nil
}

// equalValue compares snapshot values. time.Time ignores the monotonic clock
// and location, byte slices compare by content, everything else falls back to
// DeepEqual.
func equalValue(a, b interface{}) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if pa, ok := a.(*time.Time); ok {
		pb, ok := b.(*time.Time)
		if !ok {
			return false
		}
		if pa == nil || pb == nil {
			return pa == pb
		}
		return pa.Equal(*pb)
	}
	if ba, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && bytes.Equal(ba, bb)
	}
	return reflect.DeepEqual(a, b)
}
