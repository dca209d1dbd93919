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

package dormouse

import (
	"context"
	"fmt"

	"github.com/tomoncle/dormouse/types"
)

// Typed wrappers around the session operations. The session API works on
// interface{} because entity types are registered at runtime; these helpers
// put the compile-time type back for callers that know it.

// Get returns the entity of type T with the given id, or nil when no row
// exists.
func Get[T any](ctx context.Context, s *Session, id interface{}, lock ...types.LockMode) (*T, error) {
	result, err := s.Get(ctx, (*T)(nil), id, lock...)
	return typedResult[T](result, err)
}

// Load is Get for rows that must exist.
func Load[T any](ctx context.Context, s *Session, id interface{}, lock ...types.LockMode) (*T, error) {
	result, err := s.Load(ctx, (*T)(nil), id, lock...)
	return typedResult[T](result, err)
}

// GetMulti returns the entities for the ids, in order, nil where a row is
// missing.
func GetMulti[T any](ctx context.Context, s *Session, ids ...interface{}) ([]*T, error) {
	results, err := s.GetMulti(ctx, (*T)(nil), ids)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(results))
	for i, result := range results {
		typed, err := typedResult[T](result, nil)
		if err != nil {
			return nil, err
		}
		out[i] = typed
	}
	return out, nil
}

// ByNaturalID returns the entity whose natural id matches the values.
func ByNaturalID[T any](ctx context.Context, s *Session, values ...interface{}) (*T, error) {
	result, err := s.GetByNaturalID(ctx, (*T)(nil), values...)
	return typedResult[T](result, err)
}

// ByUniqueKey returns the entity where one unique column equals the value.
func ByUniqueKey[T any](ctx context.Context, s *Session, property string, value interface{}) (*T, error) {
	result, err := s.GetByUniqueKey(ctx, (*T)(nil), property, value)
	return typedResult[T](result, err)
}

// Merge copies detached state into the session and returns the managed
// instance.
func Merge[T any](ctx context.Context, s *Session, instance *T) (*T, error) {
	result, err := s.Merge(ctx, instance)
	return typedResult[T](result, err)
}

// Fetch loads one relation of a managed entity.
func Fetch[T any](ctx context.Context, s *Session, instance *T, goField string) error {
	return s.Fetch(ctx, instance, goField)
}

func typedResult[T any](result interface{}, err error) (*T, error) {
	if err != nil || result == nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("managed instance is %T, want %T", result, (*T)(nil))
	}
	return typed, nil
}
