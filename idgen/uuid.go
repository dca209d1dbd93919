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

package idgen

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
)

var uuidType = reflect.TypeOf(uuid.UUID{})

// UUID generates time-ordered UUIDv7 identifiers. V7 keeps inserts roughly
// append-only in btree indexes, unlike random V4.
type UUID struct {
	newUUID func() (uuid.UUID, error)
}

func NewUUID() *UUID {
	return &UUID{newUUID: uuid.NewV7}
}

func (*UUID) Name() string     { return "uuid" }
func (*UUID) PostInsert() bool { return false }

func (g *UUID) Generate(_ context.Context, _ bun.IDB, entity *meta.Entity, _ interface{}) (interface{}, error) {
	id, err := g.newUUID()
	if err != nil {
		return nil, fmt.Errorf("uuid generation for %s: %w", entity.Name, err)
	}
	switch {
	case entity.ID.IndirectType == uuidType:
		return id, nil
	case entity.ID.IndirectType.Kind() == reflect.String:
		return id.String(), nil
	default:
		return nil, fmt.Errorf("uuid strategy for %s requires a string or uuid.UUID id field, got %s",
			entity.Name, entity.ID.IndirectType)
	}
}
