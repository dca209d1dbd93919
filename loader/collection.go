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

	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
)

// CollectionLoader reads the children behind one has-many or has-one
// relation, ordered by primary key so flush diffs are reproducible.
type CollectionLoader struct {
	db  bun.IDB
	rel *meta.Relation
}

func NewCollectionLoader(db bun.IDB, rel *meta.Relation) (*CollectionLoader, error) {
	if !rel.FKOnTarget() {
		return nil, fmt.Errorf("relation %s is not a collection or child reference", rel.Name)
	}
	if rel.Target == nil {
		return nil, fmt.Errorf("relation %s is not linked", rel.Name)
	}
	if len(rel.JoinColumns) == 0 {
		return nil, fmt.Errorf("relation %s has no join columns", rel.Name)
	}
	return &CollectionLoader{db: db, rel: rel}, nil
}

// LoadChildren fetches every child row pointing at the owner reference
// value (normally the owner's primary key).
func (l *CollectionLoader) LoadChildren(ctx context.Context, ownerRef interface{}) ([]interface{}, error) {
	child := l.rel.Target
	slicePtr := reflect.New(reflect.SliceOf(reflect.PtrTo(child.Type)))
	err := l.db.NewSelect().Model(slicePtr.Interface()).
		Where("? = ?", bun.Ident(l.rel.JoinColumns[0]), ownerRef).
		OrderExpr("? ASC", bun.Ident(child.ID.Name)).
		Scan(ctx)
	if err != nil {
		return nil, engine.WrapDBError(err, child.Name, ownerRef)
	}
	return sliceToInterfaces(slicePtr.Elem()), nil
}

// LoadChildrenBatch fetches the children of many owners in one IN query and
// groups them by the owner reference value.
func (l *CollectionLoader) LoadChildrenBatch(ctx context.Context, ownerRefs []interface{}) (map[interface{}][]interface{}, error) {
	grouped := make(map[interface{}][]interface{}, len(ownerRefs))
	if len(ownerRefs) == 0 {
		return grouped, nil
	}
	child := l.rel.Target
	slicePtr := reflect.New(reflect.SliceOf(reflect.PtrTo(child.Type)))
	err := l.db.NewSelect().Model(slicePtr.Interface()).
		Where("? IN (?)", bun.Ident(l.rel.JoinColumns[0]), bun.In(ownerRefs)).
		OrderExpr("? ASC", bun.Ident(child.ID.Name)).
		Scan(ctx)
	if err != nil {
		return nil, engine.WrapDBError(err, child.Name, ownerRefs)
	}

	fkGoField := ""
	if len(l.rel.JoinGoFields) > 0 {
		fkGoField = l.rel.JoinGoFields[0]
	}
	rows := slicePtr.Elem()
	for i := 0; i < rows.Len(); i++ {
		instance := rows.Index(i).Interface()
		ref, err := child.FieldValue(instance, fkGoField)
		if err != nil {
			return nil, err
		}
		norm, err := engine.NormalizeID(ref)
		if err != nil {
			return nil, err
		}
		grouped[norm] = append(grouped[norm], instance)
	}
	return grouped, nil
}

func sliceToInterfaces(rows reflect.Value) []interface{} {
	out := make([]interface{}, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		out[i] = rows.Index(i).Interface()
	}
	return out
}
