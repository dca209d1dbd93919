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

func TestLockOptimisticVerifiesAtCommit(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimistic}))

	entry := f.rt.PersistenceContext().EntryOf(author)
	assert.Equal(t, types.LockOptimistic, entry.LockMode)
	assert.NoError(t, f.rt.ActionQueue().RunBeforeCommit(ctx))
}

func TestLockOptimisticDetectsConcurrentWrite(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimistic}))

	_, err := f.db.NewUpdate().Table("authors").
		Set("version = ?", 9).
		Where("id = ?", 1).
		Exec(ctx)
	require.NoError(t, err)

	err = f.rt.ActionQueue().RunBeforeCommit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStaleState)
}

func TestLockOptimisticSurvivesOwnFlush(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimistic}))

	// our own flush bumps the version; the commit check must compare
	// against the bumped value, not the one seen at lock time
	author.Name = "Ada Lovelace"
	fe := f.flush(t)
	require.Equal(t, 1, fe.Updated)
	require.Equal(t, int64(2), author.Version)

	assert.NoError(t, f.rt.ActionQueue().RunBeforeCommit(ctx))
}

func TestLockForceIncrementBumpsVersion(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 2)
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimisticForceIncrement}))

	fe := f.flush(t)
	assert.Equal(t, 1, fe.Updated)
	assert.Equal(t, int64(4), author.Version)

	got, ok := f.authorInDB(t, 2)
	require.True(t, ok)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, "Linus", got.Name, "a forced increment writes no other column")
}

func TestLockDetachedFails(t *testing.T) {
	f := newRuntimeFixture(t)

	err := f.rt.FireLock(context.Background(), &LockEvent{
		Instance: &Author{ID: 1, Email: "ada@example.com"},
		Mode:     types.LockOptimistic,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDetachedObject)
}

func TestLockOptimisticRequiresVersion(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	book := f.loadBook(t, 10)
	err := f.rt.FireLock(ctx, &LockEvent{Instance: book, Mode: types.LockOptimistic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}

func TestLockCascadeSkipsUnversionedChildren(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)
	require.Len(t, author.Books, 2)

	// books carry no version column; the cascade leaves them at read level
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimistic}))
	for _, b := range author.Books {
		entry := f.rt.PersistenceContext().EntryOf(b)
		assert.Equal(t, types.LockRead, entry.LockMode)
	}
}

func TestLockPessimisticFallsBackToVersionCheck(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)

	_, err := f.db.NewUpdate().Table("authors").
		Set("version = ?", 5).
		Where("id = ?", 1).
		Exec(ctx)
	require.NoError(t, err)

	err = f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockPessimisticWrite})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStaleState)
}

func TestLockWeakerModeIsNoop(t *testing.T) {
	f := newRuntimeFixture(t)
	ctx := context.Background()

	author := f.loadAuthor(t, 1)
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimisticForceIncrement}))
	_, ups, _, _ := f.rt.ActionQueue().Pending()
	require.Len(t, ups, 1)

	// a weaker re-request leaves the stronger mode and queue untouched
	require.NoError(t, f.rt.FireLock(ctx, &LockEvent{Instance: author, Mode: types.LockOptimistic}))
	entry := f.rt.PersistenceContext().EntryOf(author)
	assert.Equal(t, types.LockOptimisticForceIncrement, entry.LockMode)
	_, ups, _, _ = f.rt.ActionQueue().Pending()
	assert.Len(t, ups, 1)
}
