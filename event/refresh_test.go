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

func TestRefreshDiscardsLocalChanges(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	book := f.loadBook(t, 10)
	book.Title = "scribbled over"

	_, err := f.db.NewUpdate().Table("books").
		Set("title = ?", "Analytical Engines, revised").
		Where("id = ?", 10).
		Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, f.rt.FireRefresh(ctx, &RefreshEvent{Instance: book}))
	assert.Equal(t, "Analytical Engines, revised", book.Title)

	fe := f.flush(t)
	assert.Zero(t, fe.Updated, "refresh rebaselines the snapshot")
}

func TestRefreshVanishedRowFails(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	book := f.loadBook(t, 12)
	_, err := f.db.NewDelete().Table("books").Where("id = ?", 12).Exec(ctx)
	require.NoError(t, err)

	err = f.rt.FireRefresh(ctx, &RefreshEvent{Instance: book})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrUnresolvable)
	assert.Nil(t, f.rt.PersistenceContext().EntryOf(book), "the stale entry is evicted")
}

func TestRefreshReattachesDetached(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	detached := &Book{ID: 10}
	require.NoError(t, f.rt.FireRefresh(ctx, &RefreshEvent{Instance: detached}))

	assert.Equal(t, "Analytical Engines", detached.Title)
	entry := f.rt.PersistenceContext().EntryOf(detached)
	require.NotNil(t, entry)
	assert.Equal(t, types.StateManaged, entry.Status)
}

func TestRefreshTransientFails(t *testing.T) {
	f := newRuntimeFixture(t)

	err := f.rt.FireRefresh(context.Background(), &RefreshEvent{Instance: &Book{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrTransientObject)
}

func TestRefreshRebindsEagerCollection(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)
	require.Len(t, author.Books, 2)

	// another writer reshapes the collection and touches a child
	_, err := f.db.NewInsert().Model(&Book{ID: 14, Title: "Enchantress of Number", AuthorID: 1}).Exec(ctx)
	require.NoError(t, err)
	_, err = f.db.NewDelete().Table("books").Where("id = ?", 11).Exec(ctx)
	require.NoError(t, err)
	_, err = f.db.NewUpdate().Table("books").
		Set("title = ?", "Analytical Engines, revised").
		Where("id = ?", 10).
		Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, f.rt.FireRefresh(ctx, &RefreshEvent{Instance: author}))

	require.Len(t, author.Books, 2)
	ids := []int64{author.Books[0].ID, author.Books[1].ID}
	assert.ElementsMatch(t, []int64{10, 14}, ids)

	for _, b := range author.Books {
		if b.ID == 10 {
			assert.Equal(t, "Analytical Engines, revised", b.Title, "the refresh cascades into children")
		}
	}

	col := f.rt.PersistenceContext().Collection(f.key(t, f.author, int64(1)), "Books")
	require.NotNil(t, col)
	assert.Len(t, col.LoadedKeys, 2)
}

func TestRefreshUpdatesVersionSnapshot(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 2)
	entry := f.rt.PersistenceContext().EntryOf(author)
	require.Equal(t, int64(3), entry.Version)

	_, err := f.db.NewUpdate().Table("authors").
		Set("version = ?", 4).
		Set("name = ?", "Linus T.").
		Where("id = ?", 2).
		Exec(ctx)
	require.NoError(t, err)

	require.NoError(t, f.rt.FireRefresh(ctx, &RefreshEvent{Instance: author}))
	assert.Equal(t, int64(4), author.Version)
	assert.Equal(t, int64(4), entry.Version)
	assert.Equal(t, "Linus T.", author.Name)
}
