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
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type Author struct {
	bun.BaseModel `bun:"table:authors,alias:a"`

	ID      int64    `bun:"id,pk,autoincrement"`
	Email   string   `bun:"email,notnull" dm:"natural_id"`
	Name    string   `bun:"name"`
	Version int64    `bun:"version" dm:"version"`
	Books   []*Book  `bun:"rel:has-many,join:id=author_id" dm:"cascade:all,orphan,eager"`
	Drafts  []*Draft `bun:"rel:has-many,join:id=author_id" dm:"cascade:remove"`
}

type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID       int64   `bun:"id,pk,autoincrement"`
	Title    string  `bun:"title"`
	AuthorID int64   `bun:"author_id"`
	Author   *Author `bun:"rel:belongs-to,join:author_id=id" dm:"cascade:persist|merge"`
}

type Draft struct {
	bun.BaseModel `bun:"table:drafts,alias:d"`

	ID       int64  `bun:"id,pk,autoincrement"`
	Title    string `bun:"title"`
	AuthorID int64  `bun:"author_id"`
}

// Slug carries an application-assigned identifier.
type Slug struct {
	bun.BaseModel `bun:"table:slugs,alias:s"`

	ID   string `bun:"id,pk" dm:"id:assigned"`
	Note string `bun:"note"`
}

// AuditedNote records which lifecycle hooks ran, in order.
type AuditedNote struct {
	bun.BaseModel `bun:"table:audited_notes,alias:n"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Text string `bun:"text"`

	Calls []string `bun:"-"`
}

func (n *AuditedNote) PreInsert(context.Context) error {
	n.Calls = append(n.Calls, "pre-insert")
	return nil
}

func (n *AuditedNote) PostInsert(context.Context) error {
	n.Calls = append(n.Calls, "post-insert")
	return nil
}

func (n *AuditedNote) PreUpdate(context.Context) error {
	n.Calls = append(n.Calls, "pre-update")
	return nil
}

func (n *AuditedNote) PostUpdate(context.Context) error {
	n.Calls = append(n.Calls, "post-update")
	return nil
}

func (n *AuditedNote) PreDelete(context.Context) error {
	n.Calls = append(n.Calls, "pre-delete")
	return nil
}

func (n *AuditedNote) PostDelete(context.Context) error {
	n.Calls = append(n.Calls, "post-delete")
	return nil
}

func (n *AuditedNote) PostLoad(context.Context) error {
	n.Calls = append(n.Calls, "post-load")
	return nil
}

type runtimeFixture struct {
	db       *bun.DB
	registry *meta.Registry
	author   *meta.Entity
	book     *meta.Entity
	draft    *meta.Entity
	slug     *meta.Entity
	note     *meta.Entity
	rt       *Runtime
}

func newRuntimeFixture(t *testing.T, authorOpts ...meta.Option) *runtimeFixture {
	t.Helper()
	ctx := context.Background()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	r := meta.NewRegistry(db)
	author, err := r.Register((*Author)(nil), authorOpts...)
	require.NoError(t, err)
	book, err := r.Register((*Book)(nil))
	require.NoError(t, err)
	draft, err := r.Register((*Draft)(nil))
	require.NoError(t, err)
	slug, err := r.Register((*Slug)(nil))
	require.NoError(t, err)
	note, err := r.Register((*AuditedNote)(nil))
	require.NoError(t, err)
	require.NoError(t, r.LinkRelations())

	models := []interface{}{
		(*Author)(nil), (*Book)(nil), (*Draft)(nil), (*Slug)(nil), (*AuditedNote)(nil),
	}
	for _, m := range models {
		_, err = db.NewCreateTable().Model(m).Exec(ctx)
		require.NoError(t, err)
	}

	authors := []*Author{
		{ID: 1, Email: "ada@example.com", Name: "Ada", Version: 1},
		{ID: 2, Email: "linus@example.com", Name: "Linus", Version: 3},
	}
	books := []*Book{
		{ID: 10, Title: "Analytical Engines", AuthorID: 1},
		{ID: 11, Title: "Notes on Numbers", AuthorID: 1},
		{ID: 12, Title: "Just for Fun", AuthorID: 2},
	}
	drafts := []*Draft{
		{ID: 20, Title: "Sketches", AuthorID: 1},
		{ID: 21, Title: "Margins", AuthorID: 1},
	}
	_, err = db.NewInsert().Model(&authors).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&books).Exec(ctx)
	require.NoError(t, err)
	_, err = db.NewInsert().Model(&drafts).Exec(ctx)
	require.NoError(t, err)

	rt := NewRuntime(db, r, nil, nil, nil)
	return &runtimeFixture{
		db:       db,
		registry: r,
		author:   author,
		book:     book,
		draft:    draft,
		slug:     slug,
		note:     note,
		rt:       rt,
	}
}

func (f *runtimeFixture) loadAuthor(t *testing.T, id int64) *Author {
	t.Helper()
	e := &LoadEvent{Entity: f.author, ID: id, MustExist: true}
	require.NoError(t, f.rt.FireLoad(context.Background(), e))
	require.NotNil(t, e.Result)
	return e.Result.(*Author)
}

func (f *runtimeFixture) loadBook(t *testing.T, id int64) *Book {
	t.Helper()
	e := &LoadEvent{Entity: f.book, ID: id, MustExist: true}
	require.NoError(t, f.rt.FireLoad(context.Background(), e))
	require.NotNil(t, e.Result)
	return e.Result.(*Book)
}

func (f *runtimeFixture) flush(t *testing.T) *FlushEvent {
	t.Helper()
	e := &FlushEvent{}
	require.NoError(t, f.rt.FireFlush(context.Background(), e))
	return e
}

func (f *runtimeFixture) key(t *testing.T, entity *meta.Entity, id interface{}) engine.EntityKey {
	t.Helper()
	key, err := engine.NewEntityKey(entity, id)
	require.NoError(t, err)
	return key
}

func (f *runtimeFixture) countRows(t *testing.T, model interface{}) int {
	t.Helper()
	n, err := f.db.NewSelect().Model(model).Count(context.Background())
	require.NoError(t, err)
	return n
}

func (f *runtimeFixture) bookTitleInDB(t *testing.T, id int64) (string, bool) {
	t.Helper()
	var b Book
	err := f.db.NewSelect().Model(&b).Where("b.id = ?", id).Scan(context.Background())
	if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
		return "", false
	}
	require.NoError(t, err)
	return b.Title, true
}

func (f *runtimeFixture) authorInDB(t *testing.T, id int64) (*Author, bool) {
	t.Helper()
	var a Author
	err := f.db.NewSelect().Model(&a).Where("a.id = ?", id).Scan(context.Background())
	if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
		return nil, false
	}
	require.NoError(t, err)
	return &a, true
}
