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
	"fmt"
	"reflect"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
)

// NaturalIDLoader resolves entities by their natural-id tuple.
type NaturalIDLoader struct {
	db     bun.IDB
	entity *meta.Entity
}

func NewNaturalIDLoader(db bun.IDB, entity *meta.Entity) (*NaturalIDLoader, error) {
	if !entity.HasNaturalID() {
		return nil, fmt.Errorf("entity %s has no natural id mapping", entity.Name)
	}
	return &NaturalIDLoader{db: db, entity: entity}, nil
}

// Load fetches the row whose natural-id columns equal values, or nil. The
// unique index behind the mapping guarantees at most one row; a second match
// would mean the schema drifted, and is reported as a non-unique result.
func (l *NaturalIDLoader) Load(ctx context.Context, values []interface{}) (interface{}, error) {
	if len(values) != len(l.entity.NaturalID) {
		return nil, fmt.Errorf("natural id for %s needs %d values, got %d",
			l.entity.Name, len(l.entity.NaturalID), len(values))
	}
	slicePtr := reflect.New(reflect.SliceOf(reflect.PtrTo(l.entity.Type)))
	q := l.db.NewSelect().Model(slicePtr.Interface())
	for i, f := range l.entity.NaturalID {
		q = q.Where("? = ?", bun.Ident(f.Name), values[i])
	}
	if err := q.Limit(2).Scan(ctx); err != nil {
		return nil, engine.WrapDBError(err, l.entity.Name, values)
	}
	rows := slicePtr.Elem()
	switch rows.Len() {
	case 0:
		return nil, nil
	case 1:
		return rows.Index(0).Interface(), nil
	default:
		return nil, fmt.Errorf("natural id of %s: %w", l.entity.Name, engine.ErrNonUniqueResult)
	}
}

// UniqueKeyLoader resolves entities by a single unique column that is not
// the primary key, e.g. a username or an external reference.
type UniqueKeyLoader struct {
	db     bun.IDB
	entity *meta.Entity
}

func NewUniqueKeyLoader(db bun.IDB, entity *meta.Entity) *UniqueKeyLoader {
	return &UniqueKeyLoader{db: db, entity: entity}
}

// Load fetches the single row where the property equals value, or nil. The
// property may be a Go field name or a column name. More than one match is
// an error: unique-key loads are only valid on unique columns.
func (l *UniqueKeyLoader) Load(ctx context.Context, property string, value interface{}) (interface{}, error) {
	column, err := l.resolveColumn(property)
	if err != nil {
		return nil, err
	}
	slicePtr := reflect.New(reflect.SliceOf(reflect.PtrTo(l.entity.Type)))
	err = l.db.NewSelect().Model(slicePtr.Interface()).
		Where("? = ?", bun.Ident(column), value).
		Limit(2).
		Scan(ctx)
	if err != nil {
		return nil, engine.WrapDBError(err, l.entity.Name, value)
	}
	rows := slicePtr.Elem()
	switch rows.Len() {
	case 0:
		return nil, nil
	case 1:
		return rows.Index(0).Interface(), nil
	default:
		return nil, fmt.Errorf("unique key %s.%s: %w", l.entity.Name, column, engine.ErrNonUniqueResult)
	}
}

func (l *UniqueKeyLoader) resolveColumn(property string) (string, error) {
	if f, ok := l.entity.FieldByGoName(property); ok {
		return f.Name, nil
	}
	for _, f := range l.entity.Table.Fields {
		if f.Name == property {
			return f.Name, nil
		}
	}
	return "", fmt.Errorf("entity %s has no property %s", l.entity.Name, property)
}

// ResolveID returns just the primary key for a natural-id tuple, feeding the
// session's natural-id cache without materializing the row.
func (l *NaturalIDLoader) ResolveID(ctx context.Context, values []interface{}) (interface{}, bool, error) {
	if len(values) != len(l.entity.NaturalID) {
		return nil, false, fmt.Errorf("natural id for %s needs %d values, got %d",
			l.entity.Name, len(l.entity.NaturalID), len(values))
	}
	target := reflect.New(l.entity.ID.IndirectType)
	q := l.db.NewSelect().
		Table(l.entity.TableName()).
		Column(l.entity.ID.Name)
	for i, f := range l.entity.NaturalID {
		q = q.Where("? = ?", bun.Ident(f.Name), values[i])
	}
	if err := q.Scan(ctx, target.Interface()); err != nil {
		if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
			return nil, false, nil
		}
		return nil, false, engine.WrapDBError(err, l.entity.Name, values)
	}
	return target.Elem().Interface(), true, nil
}
