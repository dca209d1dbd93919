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

	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/loader"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
)

// Query is a session-aware SELECT over one entity type. Before running it
// flushes per the session's flush mode, and every scanned row is folded into
// the session, so a row the session already manages comes back as the managed
// instance, local changes intact. Queries read; writes go through the session
// operations.
type Query[T any] struct {
	session *Session
	lock    types.LockMode
	filters []*types.QueryFilter
	orders  []string
	limit   int
	offset  int
	apply   []func(*bun.SelectQuery) *bun.SelectQuery
}

// NewQuery builds a query bound to the session.
func NewQuery[T any](s *Session) *Query[T] {
	return &Query[T]{session: s}
}

// Where appends one WHERE clause.
func (q *Query[T]) Where(schema string, args ...interface{}) *Query[T] {
	q.filters = append(q.filters, types.NewQueryFilter(schema, args...))
	return q
}

// Filter appends a prepared filter. Nil filters are ignored.
func (q *Query[T]) Filter(filter *types.QueryFilter) *Query[T] {
	if filter != nil {
		q.filters = append(q.filters, filter)
	}
	return q
}

// Order appends ORDER BY terms like "id ASC".
func (q *Query[T]) Order(orders ...string) *Query[T] {
	q.orders = append(q.orders, orders...)
	return q
}

// Limit caps the result size.
func (q *Query[T]) Limit(n int) *Query[T] {
	q.limit = n
	return q
}

// Offset skips leading rows.
func (q *Query[T]) Offset(n int) *Query[T] {
	q.offset = n
	return q
}

// WithLock reads the rows under the given lock mode. Pessimistic modes add
// the row lock clause on dialects that support it.
func (q *Query[T]) WithLock(mode types.LockMode) *Query[T] {
	q.lock = mode
	return q
}

// Apply hands the underlying Bun builder to fn for clauses this type does
// not cover, such as joins or column lists.
func (q *Query[T]) Apply(fn func(*bun.SelectQuery) *bun.SelectQuery) *Query[T] {
	if fn != nil {
		q.apply = append(q.apply, fn)
	}
	return q
}

func (q *Query[T]) entity() (*meta.Entity, error) {
	return q.session.rt.Meta().For((*T)(nil))
}

func (q *Query[T]) clauses(sq *bun.SelectQuery) *bun.SelectQuery {
	for _, f := range q.filters {
		sq = sq.Where(f.Schema, f.Args...)
	}
	if len(q.orders) > 0 {
		sq = sq.Order(q.orders...)
	}
	for _, fn := range q.apply {
		sq = fn(sq)
	}
	return sq
}

// run flushes when required, scans the rows, and canonicalizes them through
// the session.
func (q *Query[T]) run(ctx context.Context, limit, offset int) ([]*T, error) {
	if err := q.session.guard(); err != nil {
		return nil, err
	}
	entity, err := q.entity()
	if err != nil {
		return nil, err
	}
	if err := q.session.autoFlush(ctx, entity.TableName()); err != nil {
		return nil, err
	}

	var rows []*T
	sq := q.clauses(q.session.DB().NewSelect().Model(&rows))
	if limit > 0 {
		sq = sq.Limit(limit)
	}
	if offset > 0 {
		sq = sq.Offset(offset)
	}
	sq = loader.ApplyLock(sq, q.session.DB(), q.lock)
	if err := sq.Scan(ctx); err != nil {
		return nil, engine.WrapDBError(err, entity.Name, nil)
	}
	q.session.factory.counters.QueryExecuted()

	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		canonical, err := q.session.rt.Canonicalize(ctx, row, q.lock)
		if err != nil {
			return nil, err
		}
		typed, ok := canonical.(*T)
		if !ok {
			return nil, fmt.Errorf("canonical instance is %T, want %T", canonical, row)
		}
		out = append(out, typed)
	}
	return out, nil
}

// List returns all matching rows as managed entities.
func (q *Query[T]) List(ctx context.Context) ([]*T, error) {
	return q.run(ctx, q.limit, q.offset)
}

// One returns the single matching row, nil when none matches, and
// ErrNonUniqueResult when more than one does.
func (q *Query[T]) One(ctx context.Context) (*T, error) {
	rows, err := q.run(ctx, 2, q.offset)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
		return rows[0], nil
	default:
		entity, eerr := q.entity()
		name := "?"
		if eerr == nil {
			name = entity.Name
		}
		return nil, fmt.Errorf("%s: %w", name, engine.ErrNonUniqueResult)
	}
}

// Count returns how many rows match, after the same flush the query itself
// would do.
func (q *Query[T]) Count(ctx context.Context) (int, error) {
	if err := q.session.guard(); err != nil {
		return 0, err
	}
	entity, err := q.entity()
	if err != nil {
		return 0, err
	}
	if err := q.session.autoFlush(ctx, entity.TableName()); err != nil {
		return 0, err
	}
	count, err := q.clauses(q.session.DB().NewSelect().Model((*T)(nil))).Count(ctx)
	if err != nil {
		return 0, engine.WrapDBError(err, entity.Name, nil)
	}
	q.session.factory.counters.QueryExecuted()
	return count, nil
}

// Exists reports whether any row matches.
func (q *Query[T]) Exists(ctx context.Context) (bool, error) {
	if err := q.session.guard(); err != nil {
		return false, err
	}
	entity, err := q.entity()
	if err != nil {
		return false, err
	}
	if err := q.session.autoFlush(ctx, entity.TableName()); err != nil {
		return false, err
	}
	exists, err := q.clauses(q.session.DB().NewSelect().Model((*T)(nil))).Exists(ctx)
	if err != nil {
		return false, engine.WrapDBError(err, entity.Name, nil)
	}
	q.session.factory.counters.QueryExecuted()
	return exists, nil
}

// Page runs the query for one result page: total count first, then the page
// rows with the request's filter and ordering applied on top of the query's
// own clauses.
func (q *Query[T]) Page(ctx context.Context, req *types.PageRequest) (*types.Pagination[T], error) {
	if err := q.session.guard(); err != nil {
		return nil, err
	}
	if req == nil {
		req = types.NewDefaultPageRequest(1, 0)
	}
	paged := &Query[T]{
		session: q.session,
		lock:    q.lock,
		filters: q.filters,
		orders:  q.orders,
		apply:   q.apply,
	}
	if f := req.GetFilter(); f != nil {
		paged.filters = append(append([]*types.QueryFilter{}, q.filters...), f)
	}
	if orders := req.GetOrders(); len(orders) > 0 {
		paged.orders = append(append([]string{}, q.orders...), orders...)
	}

	total, err := paged.Count(ctx)
	if err != nil {
		return nil, err
	}
	pagination := types.NewDefaultPagination[T](req.GetPage(), req.GetPageSize())
	if total == 0 {
		return pagination, nil
	}
	items, err := paged.run(ctx, req.GetPageSize(), req.GetOffset())
	if err != nil {
		return nil, err
	}
	pagination.Total = total
	pagination.Items = items
	return pagination, nil
}
