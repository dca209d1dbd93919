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
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type Author struct {
	bun.BaseModel `bun:"table:authors,alias:a"`

	ID      int64   `bun:"id,pk,autoincrement"`
	Name    string  `bun:"name"`
	Email   string  `bun:"email" dm:"natural_id"`
	Version int64   `bun:"version" dm:"version"`
	Books   []*Book `bun:"rel:has-many,join:id=author_id" dm:"cascade:all,orphan"`
}

type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID       int64   `bun:"id,pk,autoincrement"`
	Title    string  `bun:"title"`
	AuthorID int64   `bun:"author_id"`
	Author   *Author `bun:"rel:belongs-to,join:author_id=id" dm:"cascade:persist"`
}

func newTestMeta(t *testing.T) *meta.Registry {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	r := meta.NewRegistry(db)
	_, err = r.Register((*Author)(nil))
	require.NoError(t, err)
	_, err = r.Register((*Book)(nil))
	require.NoError(t, err)
	require.NoError(t, r.LinkRelations())
	return r
}

func managedEntry(t *testing.T, entity *meta.Entity, instance interface{}) *EntityEntry {
	t.Helper()
	key, err := KeyFromInstance(entity, instance)
	require.NoError(t, err)
	snapshot, err := entity.CopyState(instance)
	require.NoError(t, err)
	return &EntityEntry{
		Key:         key,
		Instance:    instance,
		Meta:        entity,
		Status:      types.StateManaged,
		LoadedState: snapshot,
		ExistsInDB:  true,
	}
}

func TestNormalizeIDFoldsIntegerWidths(t *testing.T) {
	a, err := NormalizeID(int(5))
	require.NoError(t, err)
	b, err := NormalizeID(int32(5))
	require.NoError(t, err)
	c, err := NormalizeID(int64(5))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, b, c)

	u, err := NormalizeID(uint8(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), u)

	s, err := NormalizeID("abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", s)

	_, err = NormalizeID(nil)
	assert.Error(t, err)
	_, err = NormalizeID([]byte("x"))
	assert.Error(t, err)
}

func TestEntityKeyEquality(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)

	k1, err := NewEntityKey(author, int(7))
	require.NoError(t, err)
	k2, err := NewEntityKey(author, int64(7))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, "Author#7", k1.String())
}

func TestDelayedIDKeysAreDistinct(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)

	d1, d2 := NewDelayedID(), NewDelayedID()
	k1, err := NewEntityKey(author, d1)
	require.NoError(t, err)
	k2, err := NewEntityKey(author, d2)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k2)
	assert.False(t, IsZeroID(d1))
}

func TestContextAddAndLookup(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)
	pc := NewPersistenceContext()

	a := &Author{ID: 1, Name: "alice", Version: 1}
	entry := managedEntry(t, author, a)
	require.NoError(t, pc.Add(entry))

	assert.Same(t, entry, pc.Entry(entry.Key))
	assert.Same(t, entry, pc.EntryOf(a))
	assert.True(t, pc.Contains(a))
	assert.Equal(t, 1, pc.Size())

	// same instance again is a no-op
	require.NoError(t, pc.Add(entry))
	assert.Equal(t, 1, pc.Size())

	// a different instance under the same key collides
	dup := managedEntry(t, author, &Author{ID: 1, Name: "imposter"})
	err = pc.Add(dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNonUniqueObject)
}

func TestContextRemove(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)
	pc := NewPersistenceContext()

	a := &Author{ID: 2, Name: "bob"}
	entry := managedEntry(t, author, a)
	require.NoError(t, pc.Add(entry))
	pc.CacheNaturalID(author.Name, []interface{}{"bob@x"}, entry.Key)

	pc.Remove(entry)
	assert.Nil(t, pc.Entry(entry.Key))
	assert.False(t, pc.Contains(a))
	_, ok := pc.LookupNaturalID(author.Name, []interface{}{"bob@x"})
	assert.False(t, ok)
	assert.Empty(t, pc.Entries())
}

func TestContextRekeyDelayedID(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)
	pc := NewPersistenceContext()

	a := &Author{Name: "carol"}
	delayed := NewDelayedID()
	key, err := NewEntityKey(author, delayed)
	require.NoError(t, err)
	entry := &EntityEntry{Key: key, Instance: a, Meta: author, Status: types.StateManaged}
	require.NoError(t, pc.Add(entry))
	pc.CacheNaturalID(author.Name, []interface{}{"carol@x"}, key)
	pc.TrackCollection(key, author.Relation("Books"), nil)

	require.NoError(t, pc.Rekey(entry, int64(99)))

	want, err := NewEntityKey(author, int64(99))
	require.NoError(t, err)
	assert.Equal(t, want, entry.Key)
	assert.Same(t, entry, pc.Entry(want))
	assert.Nil(t, pc.Entry(key))

	resolved, ok := pc.LookupNaturalID(author.Name, []interface{}{"carol@x"})
	require.True(t, ok)
	assert.Equal(t, want, resolved)
	assert.NotNil(t, pc.Collection(want, "Books"))
	assert.Nil(t, pc.Collection(key, "Books"))
}

func TestContextClear(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)
	pc := NewPersistenceContext()

	entry := managedEntry(t, author, &Author{ID: 5})
	require.NoError(t, pc.Add(entry))
	pc.Clear()
	assert.Equal(t, 0, pc.Size())
	assert.Nil(t, pc.Entry(entry.Key))
}

func TestNaturalIDCacheReplacement(t *testing.T) {
	pc := NewPersistenceContext()
	key := EntityKey{EntityName: "Author", ID: int64(1)}

	pc.CacheNaturalID("Author", []interface{}{"old@x"}, key)
	pc.CacheNaturalID("Author", []interface{}{"new@x"}, key)

	_, ok := pc.LookupNaturalID("Author", []interface{}{"old@x"})
	assert.False(t, ok)
	got, ok := pc.LookupNaturalID("Author", []interface{}{"new@x"})
	require.True(t, ok)
	assert.Equal(t, key, got)

	pc.EvictNaturalID(key)
	_, ok = pc.LookupNaturalID("Author", []interface{}{"new@x"})
	assert.False(t, ok)
}

func TestDirtyFieldsDetectsChanges(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)

	a := &Author{ID: 1, Name: "alice", Email: "a@x", Version: 1}
	snapshot, err := author.CopyState(a)
	require.NoError(t, err)

	dirty, err := DirtyFields(author, a, snapshot)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	a.Name = "alicia"
	dirty, err = DirtyFields(author, a, snapshot)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "name", dirty[0].Name)

	// the engine owns the version column; user writes to it are not dirty
	a.Name = "alice"
	a.Version = 42
	dirty, err = DirtyFields(author, a, snapshot)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestVersionHelpers(t *testing.T) {
	r := newTestMeta(t)
	author, err := r.For(&Author{})
	require.NoError(t, err)

	seed, err := SeedVersion(author)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seed)

	next, err := NextVersion(seed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next)

	_, err = NextVersion("v1")
	assert.Error(t, err)
}

func TestEntryLockUpgradeOnly(t *testing.T) {
	entry := &EntityEntry{LockMode: types.LockRead}
	entry.UpgradeLock(types.LockPessimisticWrite)
	assert.Equal(t, types.LockPessimisticWrite, entry.LockMode)
	entry.UpgradeLock(types.LockOptimistic)
	assert.Equal(t, types.LockPessimisticWrite, entry.LockMode)
}
