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

	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

// ReadOperations are the query operations of a stateless session. Results are
// plain structs: nothing is tracked, nothing is cached.
type ReadOperations[T any] interface {
	// Get returns a single entity by its identifier, or nil when no row
	// exists.
	Get(ctx context.Context, id any) (*T, error)

	// All returns every row of the entity table.
	All(ctx context.Context) ([]*T, error)

	// List returns the rows matching the filter.
	List(ctx context.Context, filter *types.QueryFilter) ([]*T, error)

	// Query runs an ad hoc WHERE clause.
	Query(ctx context.Context, query string, args ...interface{}) ([]*T, error)

	// Page returns one page of rows with the request's filter and ordering.
	Page(ctx context.Context, page *types.PageRequest) (*types.Pagination[T], error)

	// Refresh overwrites the struct with current database state.
	Refresh(ctx context.Context, entity *T) error
}

// WriteOperations are the direct write operations of a stateless session.
// Statements run immediately; there is no flush, no cascade, and no version
// handling.
type WriteOperations[T any] interface {
	// Insert writes one row.
	Insert(ctx context.Context, entity *T) error

	// InsertMany writes all rows in one statement.
	InsertMany(ctx context.Context, entities ...*T) error

	// Update writes every column of the row matching the primary key and
	// fails with StaleStateError when no row matches.
	Update(ctx context.Context, entity *T) error

	// Upsert inserts rows and, on conflict over conflictKeys, updates the
	// listed fields instead. The statement form follows the dialect.
	Upsert(ctx context.Context, fields []string, conflictKeys []string, entities ...*T) error

	// Delete removes the row with the given identifier.
	Delete(ctx context.Context, id any) error
}

// StatelessSession runs statements straight against the database for one
// entity type: no identity map, no snapshots, no second-level cache. It suits
// bulk jobs and plumbing code where session tracking is overhead. Tx derives
// a stateless session bound to a transaction; the builder methods expose Bun
// for everything else.
type StatelessSession[T any] interface {
	ReadOperations[T]
	WriteOperations[T]

	// Tx returns a stateless session running inside the transaction.
	Tx(tx *bun.Tx) StatelessSession[T]

	Dialect() schema.Dialect
	NewSelect() *bun.SelectQuery
	NewInsert() *bun.InsertQuery
	NewUpdate() *bun.UpdateQuery
	NewDelete() *bun.DeleteQuery
}
