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

package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/types"
)

func TestPersistSchedulesDelayedInsertAndCascades(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := &Author{
		Email: "grace@example.com",
		Name:  "Grace",
		Books: []*Book{{Title: "Compilers"}},
	}
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: author}))

	entry := f.rt.PersistenceContext().EntryOf(author)
	require.NotNil(t, entry)
	assert.Equal(t, types.StateManaged, entry.Status)
	_, delayed := entry.Key.ID.(*engine.DelayedID)
	assert.True(t, delayed, "identity ids are unknown until the INSERT runs")

	bookEntry := f.rt.PersistenceContext().EntryOf(author.Books[0])
	require.NotNil(t, bookEntry, "persist must cascade to collection children")

	ins, _, _, _ := f.rt.ActionQueue().Pending()
	assert.Len(t, ins, 2)

	fe := f.flush(t)
	assert.Equal(t, 2, fe.Inserted)

	assert.NotZero(t, author.ID)
	assert.Equal(t, int64(1), author.Version, "versions start at one")
	assert.Equal(t, author.ID, author.Books[0].AuthorID)

	// the placeholder key is gone, the real id resolves through the identity map
	rekeyed := f.rt.PersistenceContext().Entry(f.key(t, f.author, author.ID))
	require.NotNil(t, rekeyed)
	assert.Same(t, author, rekeyed.Instance)

	got, ok := f.authorInDB(t, author.ID)
	require.True(t, ok)
	assert.Equal(t, "Grace", got.Name)
}

func TestPersistAssignedID(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	slug := &Slug{ID: "go-generics", Note: "draft"}
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: slug}))

	entry := f.rt.PersistenceContext().Entry(f.key(t, f.slug, "go-generics"))
	require.NotNil(t, entry, "assigned ids are known before the INSERT")
	assert.Same(t, slug, entry.Instance)

	f.flush(t)
	assert.Equal(t, 1, f.countRows(t, (*Slug)(nil)))
}

func TestPersistAssignedIDMustBeSet(t *testing.T) {
	f := newRuntimeFixture(t)

	err := f.rt.FirePersist(context.Background(), &PersistEvent{Instance: &Slug{Note: "no id"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrIdentifierGeneration)
}

func TestPersistRejectsDetachedInstance(t *testing.T) {
	f := newRuntimeFixture(t)

	err := f.rt.FirePersist(context.Background(), &PersistEvent{
		Instance: &Author{ID: 1, Email: "ada@example.com", Name: "Ada"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDetachedObject)
}

func TestPersistResurrectsRemovedEntity(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 2)
	require.NoError(t, f.rt.FireDelete(ctx, &DeleteEvent{Instance: author}))
	entry := f.rt.PersistenceContext().EntryOf(author)
	require.Equal(t, types.StateRemoved, entry.Status)

	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: author}))
	assert.Equal(t, types.StateManaged, entry.Status)

	_, _, _, dels := f.rt.ActionQueue().Pending()
	assert.Empty(t, dels, "persist after delete cancels the DELETE")

	f.flush(t)
	_, ok := f.authorInDB(t, 2)
	assert.True(t, ok)
	assert.Equal(t, 3, f.countRows(t, (*Book)(nil)), "cascaded children are resurrected too")
}

func TestPersistTransientParentThroughBelongsTo(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := &Author{Email: "ken@example.com", Name: "Ken"}
	book := &Book{Title: "The Practice of Programming", Author: author}
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: book}))

	require.NotNil(t, f.rt.PersistenceContext().EntryOf(author), "persist cascades up through belongs-to")

	fe := f.flush(t)
	assert.Equal(t, 2, fe.Inserted)
	assert.NotZero(t, author.ID)
	assert.Equal(t, author.ID, book.AuthorID, "the foreign key is copied once the parent id exists")
}

func TestPersistTwiceSchedulesOneInsert(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	slug := &Slug{ID: "dup", Note: "once"}
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: slug}))
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: slug}))

	ins, _, _, _ := f.rt.ActionQueue().Pending()
	assert.Len(t, ins, 1)
}

func TestPersistCachesNaturalID(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := &Author{Email: "rob@example.com", Name: "Rob"}
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: author}))

	key, ok := f.rt.PersistenceContext().LookupNaturalID("Author", []interface{}{"rob@example.com"})
	require.True(t, ok)
	_, delayed := key.ID.(*engine.DelayedID)
	assert.True(t, delayed)

	f.flush(t)

	key, ok = f.rt.PersistenceContext().LookupNaturalID("Author", []interface{}{"rob@example.com"})
	require.True(t, ok, "rekeying must carry the natural id mapping along")
	assert.Equal(t, author.ID, key.ID)
}

func TestPersistRunsInsertHooks(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	note := &AuditedNote{Text: "hooked"}
	require.NoError(t, f.rt.FirePersist(ctx, &PersistEvent{Instance: note}))
	assert.Empty(t, note.Calls, "hooks run around the INSERT, not at persist time")

	f.flush(t)
	assert.Equal(t, []string{"pre-insert", "post-insert"}, note.Calls)
}
