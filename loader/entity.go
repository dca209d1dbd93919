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

package loader

import (
	"context"
	"errors"
	"reflect"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// EntityLoader reads rows of one entity type.
type EntityLoader struct {
	db     bun.IDB
	entity *meta.Entity
}

func NewEntityLoader(db bun.IDB, entity *meta.Entity) *EntityLoader {
	return &EntityLoader{db: db, entity: entity}
}

// Load fetches one row by id, or nil when it does not exist. Eager relations
// declared in the mapping are fetched along. Pessimistic modes add the row
// lock clause on dialects that support it; on SQLite the clause is omitted
// and the caller falls back to a version recheck.
func (l *EntityLoader) Load(ctx context.Context, id interface{}, lock types.LockMode) (interface{}, error) {
	instance := l.entity.NewInstance()
	q := l.db.NewSelect().Model(instance).
		Where("? = ?", bun.Ident(l.entity.ID.Name), id)
	for _, rel := range l.entity.Relations {
		if rel.Eager {
			q = q.Relation(rel.Name)
		}
	}
	q = ApplyLock(q, l.db, lock)

	if err := q.Scan(ctx); err != nil {
		if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
			return nil, nil
		}
		return nil, engine.WrapDBError(err, l.entity.Name, id)
	}
	return instance, nil
}

// LoadBatch fetches up to batch-size ids per SELECT ... IN and returns the
// found rows keyed by normalized id, eager relations included. Missing ids
// are simply absent.
func (l *EntityLoader) LoadBatch(ctx context.Context, ids []interface{}) (map[interface{}]interface{}, error) {
	found := make(map[interface{}]interface{}, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	batchSize := l.entity.BatchSize
	if batchSize <= 0 {
		batchSize = len(ids)
	}
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := l.loadChunk(ctx, ids[start:end], found); err != nil {
			return nil, err
		}
	}
	return found, nil
}

func (l *EntityLoader) loadChunk(ctx context.Context, ids []interface{}, found map[interface{}]interface{}) error {
	slicePtr := reflect.New(reflect.SliceOf(reflect.PtrTo(l.entity.Type)))
	q := l.db.NewSelect().Model(slicePtr.Interface()).
		Where("? IN (?)", bun.Ident(l.entity.ID.Name), bun.In(ids))
	for _, rel := range l.entity.Relations {
		if rel.Eager {
			q = q.Relation(rel.Name)
		}
	}
	if err := q.Scan(ctx); err != nil {
		return engine.WrapDBError(err, l.entity.Name, ids)
	}
	rows := slicePtr.Elem()
	for i := 0; i < rows.Len(); i++ {
		instance := rows.Index(i).Interface()
		id, err := l.entity.IDValue(instance)
		if err != nil {
			return err
		}
		norm, err := engine.NormalizeID(id)
		if err != nil {
			return err
		}
		found[norm] = instance
	}
	return nil
}

// Exists checks row presence without materializing it.
func (l *EntityLoader) Exists(ctx context.Context, id interface{}) (bool, error) {
	count, err := l.db.NewSelect().
		Table(l.entity.TableName()).
		Where("? = ?", bun.Ident(l.entity.ID.Name), id).
		Count(ctx)
	if err != nil {
		return false, engine.WrapDBError(err, l.entity.Name, id)
	}
	return count > 0, nil
}

// ReadVersion fetches only the version column, used by the SQLite fallback
// when a pessimistic lock clause is unavailable.
func (l *EntityLoader) ReadVersion(ctx context.Context, id interface{}) (interface{}, error) {
	if !l.entity.Versioned() {
		return nil, nil
	}
	target := reflect.New(l.entity.Version.IndirectType)
	err := l.db.NewSelect().
		Table(l.entity.TableName()).
		Column(l.entity.Version.Name).
		Where("? = ?", bun.Ident(l.entity.ID.Name), id).
		Scan(ctx, target.Interface())
	if err != nil {
		if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
			return nil, &engine.UnresolvableError{EntityName: l.entity.Name, ID: id}
		}
		return nil, engine.WrapDBError(err, l.entity.Name, id)
	}
	return target.Elem().Interface(), nil
}

// LockRow acquires a pessimistic row lock and verifies the version under it.
// On SQLite, which has no row lock clause, only the version recheck runs. A
// missing or version-shifted row means another transaction won.
func (l *EntityLoader) LockRow(ctx context.Context, id interface{}, version interface{}, lock types.LockMode) error {
	if !lock.Pessimistic() {
		return nil
	}
	if l.db.Dialect().Name() == dialect.SQLite {
		if !l.entity.Versioned() || version == nil {
			return nil
		}
		current, err := l.ReadVersion(ctx, id)
		if err != nil {
			if errors.Is(err, engine.ErrUnresolvable) {
				return &engine.StaleStateError{EntityName: l.entity.Name, ID: id}
			}
			return err
		}
		if !reflect.DeepEqual(current, version) {
			return &engine.StaleStateError{EntityName: l.entity.Name, ID: id}
		}
		return nil
	}

	q := l.db.NewSelect().
		Table(l.entity.TableName()).
		Column(l.entity.ID.Name).
		Where("? = ?", bun.Ident(l.entity.ID.Name), id)
	if l.entity.Versioned() && version != nil {
		q = q.Where("? = ?", bun.Ident(l.entity.Version.Name), version)
	}
	q = ApplyLock(q, l.db, lock)

	target := reflect.New(l.entity.ID.IndirectType)
	if err := q.Scan(ctx, target.Interface()); err != nil {
		if is, kind := database.IsSqlError(err); is {
			switch kind {
			case database.NoRowsErr:
				return &engine.StaleStateError{EntityName: l.entity.Name, ID: id}
			case database.LockErr, database.SerializationErr:
				return &engine.LockError{EntityName: l.entity.Name, ID: id, Mode: lock, Cause: err}
			}
		}
		return engine.WrapDBError(err, l.entity.Name, id)
	}
	return nil
}

// ApplyLock appends the row lock clause for pessimistic modes. SQLite has no
// row locks; the query runs unlocked and the session rechecks the version.
func ApplyLock(q *bun.SelectQuery, db bun.IDB, lock types.LockMode) *bun.SelectQuery {
	if !lock.Pessimistic() {
		return q
	}
	if db.Dialect().Name() == dialect.SQLite {
		return q
	}
	switch lock {
	case types.LockPessimisticRead:
		return q.For("SHARE")
	case types.LockPessimisticWrite:
		return q.For("UPDATE")
	}
	return q
}
