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

package meta

import (
	"database/sql"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID      int64    `bun:"id,pk,autoincrement"`
	Email   string   `bun:"email,notnull" dm:"natural_id"`
	Name    string   `bun:"name"`
	Version int64    `bun:"version" dm:"version"`
	Orders  []*Order `bun:"rel:has-many,join:id=user_id"`
}

type Order struct {
	bun.BaseModel `bun:"table:orders,alias:o"`

	ID     int64   `bun:"id,pk,autoincrement"`
	Code   string  `bun:"code,notnull"`
	Total  float64 `bun:"total"`
	UserID int64   `bun:"user_id"`
	User   *User   `bun:"rel:belongs-to,join:user_id=id" dm:"cascade:persist|merge"`
	Items  []*Item `bun:"rel:has-many,join:id=order_id" dm:"cascade:all,orphan,eager"`
}

type Item struct {
	bun.BaseModel `bun:"table:order_items,alias:oi"`

	ID      int64  `bun:"id,pk,autoincrement"`
	OrderID int64  `bun:"order_id"`
	SKU     string `bun:"sku,notnull"`
	Qty     int    `bun:"qty"`
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, "file::memory:?cache=shared")
	require.NoError(t, err)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return NewRegistry(db)
}

func registerAll(t *testing.T, r *Registry) (*Entity, *Entity, *Entity) {
	t.Helper()
	user, err := r.Register((*User)(nil))
	require.NoError(t, err)
	order, err := r.Register((*Order)(nil))
	require.NoError(t, err)
	item, err := r.Register((*Item)(nil))
	require.NoError(t, err)
	require.NoError(t, r.LinkRelations())
	return user, order, item
}

func TestRegisterBasics(t *testing.T) {
	r := newTestRegistry(t)
	user, order, _ := registerAll(t, r)

	assert.Equal(t, "User", user.Name)
	assert.Equal(t, "users", user.TableName())
	assert.Equal(t, "id", user.ID.Name)
	assert.Equal(t, "identity", user.IDStrategy)
	assert.True(t, user.Versioned())
	assert.Equal(t, "version", user.Version.Name)
	require.True(t, user.HasNaturalID())
	assert.Equal(t, "email", user.NaturalID[0].Name)
	assert.False(t, user.NaturalIDMutable)

	assert.False(t, order.Versioned())
	assert.False(t, order.HasNaturalID())

	// registering the same type twice returns the same metadata
	again, err := r.Register((*User)(nil))
	require.NoError(t, err)
	assert.Same(t, user, again)

	// but the mapping cannot be changed after the fact
	_, err = r.Register((*User)(nil), WithBatchSize(4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegisterRejectsNonStructPointer(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Register(User{})
	assert.Error(t, err)
	_, err = r.Register(nil)
	assert.Error(t, err)
}

func TestRelationsFromBunTags(t *testing.T) {
	r := newTestRegistry(t)
	user, order, item := registerAll(t, r)

	rel := order.Relation("User")
	require.NotNil(t, rel)
	assert.Equal(t, BelongsTo, rel.Kind)
	assert.False(t, rel.FKOnTarget())
	assert.Equal(t, []string{"user_id"}, rel.BaseColumns)
	assert.Equal(t, []string{"id"}, rel.JoinColumns)
	assert.Same(t, user, rel.Target)
	assert.True(t, rel.Cascade.Has(types.CascadePersist))
	assert.True(t, rel.Cascade.Has(types.CascadeMerge))
	assert.False(t, rel.Cascade.Has(types.CascadeRemove))

	items := order.Relation("Items")
	require.NotNil(t, items)
	assert.Equal(t, HasMany, items.Kind)
	assert.True(t, items.FKOnTarget())
	assert.Equal(t, []string{"id"}, items.BaseColumns)
	assert.Equal(t, []string{"order_id"}, items.JoinColumns)
	assert.Same(t, item, items.Target)
	assert.Equal(t, types.CascadeAll, items.Cascade)
	assert.True(t, items.OrphanRemoval)
	assert.True(t, items.Eager)

	orders := user.Relation("Orders")
	require.NotNil(t, orders)
	assert.Equal(t, HasMany, orders.Kind)
	assert.Equal(t, types.CascadeNone, orders.Cascade)
}

func TestRelationValueAccess(t *testing.T) {
	r := newTestRegistry(t)
	_, order, _ := registerAll(t, r)

	o := &Order{ID: 1, Code: "A-1"}
	rel := order.Relation("Items")

	related, err := rel.RelatedInstances(o)
	require.NoError(t, err)
	assert.Empty(t, related)

	i1, i2 := &Item{SKU: "x"}, &Item{SKU: "y"}
	require.NoError(t, rel.SetRelated(o, []*Item{i1, i2}))
	related, err = rel.RelatedInstances(o)
	require.NoError(t, err)
	require.Len(t, related, 2)
	assert.Same(t, i1, related[0])

	userRel := order.Relation("User")
	require.NoError(t, userRel.SetRelated(o, &User{ID: 7}))
	related, err = userRel.RelatedInstances(o)
	require.NoError(t, err)
	require.Len(t, related, 1)
	require.NoError(t, userRel.SetRelated(o, nil))
	related, err = userRel.RelatedInstances(o)
	require.NoError(t, err)
	assert.Empty(t, related)
}

func TestLinkRelationsFailsForUnregisteredTarget(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register((*Order)(nil))
	require.NoError(t, err)

	err = r.LinkRelations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "User")
}

func TestSortedEntitiesParentsFirst(t *testing.T) {
	r := newTestRegistry(t)
	// register children first on purpose
	_, err := r.Register((*Item)(nil))
	require.NoError(t, err)
	_, err = r.Register((*Order)(nil))
	require.NoError(t, err)
	_, err = r.Register((*User)(nil))
	require.NoError(t, err)
	require.NoError(t, r.LinkRelations())

	sorted := r.SortedEntities()
	pos := make(map[string]int, len(sorted))
	for i, e := range sorted {
		pos[e.Name] = i
	}
	assert.Less(t, pos["User"], pos["Order"])
	assert.Less(t, pos["Order"], pos["Item"])
}

func TestForeignKeyConstraintsDeduped(t *testing.T) {
	r := newTestRegistry(t)
	registerAll(t, r)

	constraints := r.ForeignKeyConstraints()
	type edge struct{ t, c, rt, rc string }
	seen := make(map[edge]int)
	for _, c := range constraints {
		seen[edge{c.Table, c.Column, c.ReferenceTable, c.ReferenceColumn}]++
	}
	// User.Orders and Order.User describe the same key; it must appear once.
	assert.Equal(t, 1, seen[edge{"orders", "user_id", "users", "id"}])
	assert.Equal(t, 1, seen[edge{"order_items", "order_id", "orders", "id"}])
	assert.Len(t, constraints, 2)
}

func TestNaturalIDIndexes(t *testing.T) {
	r := newTestRegistry(t)
	registerAll(t, r)

	indexes := r.NaturalIDIndexes()
	require.Len(t, indexes, 1)
	assert.Equal(t, "users", indexes[0].Table)
	assert.Equal(t, "ux_users_email", indexes[0].Name)
	assert.Equal(t, []string{"email"}, indexes[0].Columns)
	assert.True(t, indexes[0].Unique)
}

func TestEntityStateRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	user, _, _ := registerAll(t, r)

	u := &User{ID: 3, Email: "a@b.c", Name: "alice", Version: 2}
	state, err := user.CopyState(u)
	require.NoError(t, err)

	u.Name = "bob"
	u.Version = 3
	require.NoError(t, user.ApplyState(u, state))
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, int64(2), u.Version)
}

func TestEntityIDHelpers(t *testing.T) {
	r := newTestRegistry(t)
	user, _, _ := registerAll(t, r)

	u := &User{}
	zero, err := user.HasZeroID(u)
	require.NoError(t, err)
	assert.True(t, zero)

	require.NoError(t, user.SetID(u, int64(42)))
	id, err := user.IDValue(u)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	zero, err = user.HasZeroID(u)
	require.NoError(t, err)
	assert.False(t, zero)

	// convertible id types are accepted, e.g. untyped int from a generator
	require.NoError(t, user.SetID(u, 7))
	assert.Equal(t, int64(7), u.ID)
}

func TestVersionValidation(t *testing.T) {
	type BadVersion struct {
		bun.BaseModel `bun:"table:bad_versions"`

		ID      int64  `bun:"id,pk,autoincrement"`
		Version string `bun:"version" dm:"version"`
	}
	r := newTestRegistry(t)
	_, err := r.Register((*BadVersion)(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integer")
}

func TestUnknownTagDirective(t *testing.T) {
	type BadTag struct {
		bun.BaseModel `bun:"table:bad_tags"`

		ID   int64  `bun:"id,pk,autoincrement"`
		Name string `bun:"name" dm:"bogus"`
	}
	r := newTestRegistry(t)
	_, err := r.Register((*BadTag)(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestOptionsOverrideTags(t *testing.T) {
	r := newTestRegistry(t)

	user, err := r.Register((*User)(nil),
		WithIDGenerator("uuid"),
		WithBatchSize(32),
		WithCacheRegion("people"),
		WithReadOnly(),
	)
	require.NoError(t, err)
	assert.Equal(t, "uuid", user.IDStrategy)
	assert.Equal(t, 32, user.BatchSize)
	assert.True(t, user.Cacheable)
	assert.Equal(t, "people", user.CacheRegion)
	assert.True(t, user.ReadOnly)

	order, err := r.Register((*Order)(nil), WithCascade("User", types.CascadeAll))
	require.NoError(t, err)
	assert.Equal(t, types.CascadeAll, order.Relation("User").Cascade)
}

func TestGetAndFor(t *testing.T) {
	r := newTestRegistry(t)
	user, _, _ := registerAll(t, r)

	byPtr, err := r.Get(reflect.TypeOf(&User{}))
	require.NoError(t, err)
	assert.Same(t, user, byPtr)

	byInst, err := r.For(&User{})
	require.NoError(t, err)
	assert.Same(t, user, byInst)

	byName, ok := r.ByName("User")
	require.True(t, ok)
	assert.Same(t, user, byName)

	type Unknown struct{ ID int64 }
	_, err = r.For(&Unknown{})
	assert.Error(t, err)
}
