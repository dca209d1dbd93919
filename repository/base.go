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

package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"
)

type statelessSessionImpl[T any] struct {
	db bun.IDB
}

// NewStatelessSession returns a stateless session over the given connection
// or transaction.
func NewStatelessSession[T any](db bun.IDB) StatelessSession[T] {
	return &statelessSessionImpl[T]{db: db}
}

func (s *statelessSessionImpl[T]) Tx(tx *bun.Tx) StatelessSession[T] {
	return &statelessSessionImpl[T]{db: tx}
}

func (s *statelessSessionImpl[T]) Dialect() schema.Dialect { return s.db.Dialect() }

func (s *statelessSessionImpl[T]) NewSelect() *bun.SelectQuery { return s.db.NewSelect() }

func (s *statelessSessionImpl[T]) NewInsert() *bun.InsertQuery { return s.db.NewInsert() }

func (s *statelessSessionImpl[T]) NewUpdate() *bun.UpdateQuery { return s.db.NewUpdate() }

func (s *statelessSessionImpl[T]) NewDelete() *bun.DeleteQuery { return s.db.NewDelete() }

func (s *statelessSessionImpl[T]) Get(ctx context.Context, id any) (*T, error) {
	var entity T
	err := s.db.NewSelect().Model(&entity).Where("id = ?", id).Scan(ctx)
	if err != nil {
		if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
			return nil, nil
		}
		return nil, err
	}
	return &entity, nil
}

func (s *statelessSessionImpl[T]) All(ctx context.Context) ([]*T, error) {
	var entities []*T
	err := s.db.NewSelect().Model(&entities).Scan(ctx)
	return entities, err
}

func (s *statelessSessionImpl[T]) List(ctx context.Context, filter *types.QueryFilter) ([]*T, error) {
	var entities []*T
	query := s.db.NewSelect().Model(&entities)
	if filter != nil {
		query = query.Where(filter.Schema, filter.Args...)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *statelessSessionImpl[T]) Query(ctx context.Context, query string, args ...interface{}) ([]*T, error) {
	var entities []*T
	err := s.db.NewSelect().Model(&entities).Where(query, args...).Scan(ctx)
	return entities, err
}

func (s *statelessSessionImpl[T]) Page(ctx context.Context, pageRequest *types.PageRequest) (*types.Pagination[T], error) {
	var entities []*T
	query := s.db.NewSelect().Model(&entities)
	if pageRequest.GetFilter() != nil {
		query = query.Where(pageRequest.GetFilter().Schema, pageRequest.GetFilter().Args...)
	}
	pagination := types.NewDefaultPagination[T](pageRequest.GetPage(), pageRequest.GetPageSize())
	total, err := query.Count(ctx)
	if err != nil || total == 0 {
		return pagination, err
	}
	err = query.
		Offset(pageRequest.GetOffset()).
		Limit(pageRequest.GetPageSize()).
		Order(pageRequest.GetOrders()...).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	pagination.Total = total
	pagination.Items = entities
	return pagination, nil
}

func (s *statelessSessionImpl[T]) Refresh(ctx context.Context, entity *T) error {
	return s.db.NewSelect().Model(entity).WherePK().Scan(ctx)
}

func (s *statelessSessionImpl[T]) Insert(ctx context.Context, entity *T) error {
	_, err := s.db.NewInsert().Model(entity).Exec(ctx)
	return err
}

func (s *statelessSessionImpl[T]) InsertMany(ctx context.Context, entities ...*T) error {
	if len(entities) == 0 {
		return nil
	}
	_, err := s.db.NewInsert().Model(&entities).Exec(ctx)
	return err
}

func (s *statelessSessionImpl[T]) Update(ctx context.Context, entity *T) error {
	res, err := s.db.NewUpdate().Model(entity).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return &engine.StaleStateError{EntityName: fmt.Sprintf("%T", entity)}
	}
	return nil
}

func (s *statelessSessionImpl[T]) Delete(ctx context.Context, id any) error {
	var entity T
	_, err := s.db.NewDelete().Model(&entity).Where("id = ?", id).Exec(ctx)
	return err
}

// Upsert picks the statement form the dialect supports: ON CONFLICT for
// Postgres and SQLite, ON DUPLICATE KEY for MySQL, insert-then-update
// otherwise.
func (s *statelessSessionImpl[T]) Upsert(ctx context.Context, fields []string, conflictKeys []string, entities ...*T) error {
	if len(fields) == 0 {
		return fmt.Errorf("fields cannot be empty")
	}
	if len(entities) == 0 {
		return nil
	}

	features := s.db.Dialect().Features()
	switch {
	case features.Has(feature.InsertOnConflict):
		return s.upsertOnConflict(ctx, fields, conflictKeys, entities)
	case features.Has(feature.InsertOnDuplicateKey):
		return s.upsertOnDuplicateKey(ctx, fields, entities)
	default:
		return s.upsertFallback(ctx, entities)
	}
}

func (s *statelessSessionImpl[T]) upsertOnConflict(ctx context.Context, fields []string, conflictKeys []string, entities []*T) error {
	if len(conflictKeys) == 0 {
		conflictKeys = []string{"id"}
	}
	keyNames := strings.Join(conflictKeys, ",")
	var assignments []string
	for _, field := range fields {
		assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", bun.Ident(field), bun.Ident(field)))
	}
	_, err := s.db.NewInsert().
		Model(&entities).
		On("CONFLICT (" + keyNames + ") DO UPDATE").
		Set(strings.Join(assignments, ", ")).
		Exec(ctx)
	return err
}

func (s *statelessSessionImpl[T]) upsertOnDuplicateKey(ctx context.Context, fields []string, entities []*T) error {
	var assignments []string
	for _, field := range fields {
		assignments = append(assignments, fmt.Sprintf("%s = VALUES(%s)", bun.Ident(field), bun.Ident(field)))
	}
	_, err := s.db.NewInsert().
		Model(&entities).
		On("DUPLICATE KEY UPDATE " + strings.Join(assignments, ", ")).
		Exec(ctx)
	return err
}

func (s *statelessSessionImpl[T]) upsertFallback(ctx context.Context, entities []*T) error {
	for _, entity := range entities {
		if _, err := s.db.NewInsert().Model(entity).Exec(ctx); err != nil {
			if _, updateErr := s.db.NewUpdate().Model(entity).WherePK().Exec(ctx); updateErr != nil {
				return fmt.Errorf("upsert failed: insert error: %v, update error: %v", err, updateErr)
			}
		}
	}
	return nil
}
