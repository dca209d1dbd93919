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

package dormouse_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/dormouse"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/event"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID      int64   `bun:"id,pk,autoincrement"`
	Email   string  `bun:"email,notnull" dm:"natural_id"`
	Name    string  `bun:"name"`
	Status  string  `bun:"status"`
	Version int64   `bun:"version" dm:"version"`
	Posts   []*Post `bun:"rel:has-many,join:id=user_id" dm:"cascade:all,orphan"`
}

type Post struct {
	bun.BaseModel `bun:"table:posts,alias:p"`

	ID     int64  `bun:"id,pk,autoincrement"`
	Title  string `bun:"title"`
	UserID int64  `bun:"user_id"`
	User   *User  `bun:"rel:belongs-to,join:user_id=id"`
}

func openDB(t *testing.T) *bun.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newFactory(t *testing.T, cfg *dormouse.Config, opts ...dormouse.Option) *dormouse.SessionFactory {
	t.Helper()
	base := []dormouse.Option{
		dormouse.WithDB(openDB(t)),
		dormouse.WithEntity((*User)(nil), meta.WithCacheable()),
		dormouse.WithEntity((*Post)(nil)),
	}
	f, err := dormouse.NewSessionFactory(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func seedUser(t *testing.T, f *dormouse.SessionFactory, email, name, status string) int64 {
	t.Helper()
	var id int64
	err := f.WithSession(context.Background(), func(ctx context.Context, s *dormouse.Session) error {
		u := &User{Email: email, Name: name, Status: status}
		if err := s.Persist(ctx, u); err != nil {
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return err
		}
		id = u.ID
		return nil
	})
	require.NoError(t, err)
	require.NotZero(t, id)
	return id
}

func TestFactoryBootstrap(t *testing.T) {
	f := newFactory(t, nil)
	require.NotNil(t, f.DB())
	assert.Len(t, f.Entities().Entities(), 2)

	s, err := f.OpenSession()
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.Stats().SessionsOpened)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, int64(1), f.Stats().SessionsClosed)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(f.PrometheusCollector("dormouse_e2e")))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err = f.OpenSession()
	assert.ErrorContains(t, err, "closed")
}

func TestFactoryRequiresEntities(t *testing.T) {
	_, err := dormouse.NewSessionFactory(nil, dormouse.WithDB(openDB(t)))
	require.Error(t, err)
	assert.ErrorContains(t, err, "no entities")
}

func TestConfigFileBootstrap(t *testing.T) {
	yaml := fmt.Sprintf(`database:
  connection:
    type: sqlite
    dsn: "file:%s?mode=memory&cache=shared"
  migrate:
    enable_migrate_on_startup: true
    enable_schema_sync: true
    allow_column_add: true
    allow_index_add: true
session:
  flush_mode: commit
  batch_fetch_size: 32
cache:
  enabled: true
  region_size: 256
  ttl: 90s
`, t.Name())
	path := filepath.Join(t.TempDir(), "dormouse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("DORMOUSE_BATCH_FETCH_SIZE", "8")

	cfg, err := dormouse.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.ConnectionConfig.Type)
	assert.Equal(t, "commit", cfg.Session.FlushMode)
	assert.Equal(t, 8, cfg.Session.BatchFetchSize)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 256, cfg.Cache.RegionSize)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)

	f, err := dormouse.NewSessionFactory(cfg,
		dormouse.WithEntity((*User)(nil), meta.WithCacheable()),
		dormouse.WithEntity((*Post)(nil)),
	)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	seedUser(t, f, "ada@example.com", "Ada", "active")

	// migration on startup created the natural-id unique index
	err = f.WithSession(context.Background(), func(ctx context.Context, s *dormouse.Session) error {
		if err := s.Persist(ctx, &User{Email: "ada@example.com", Name: "Imposter"}); err != nil {
			return err
		}
		return s.Flush(ctx)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrConstraintViolation)
}

func TestSessionCRUD(t *testing.T) {
	f := newFactory(t, nil)
	s, err := f.OpenSession()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	u := &User{Email: "ada@example.com", Name: "Ada", Status: "active"}
	require.NoError(t, s.Persist(ctx, u))
	assert.Zero(t, u.ID)
	assert.True(t, s.Contains(u))
	dirty, err := s.IsDirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)

	require.NoError(t, s.Flush(ctx))
	require.NotZero(t, u.ID)
	assert.Equal(t, int64(1), u.Version)

	same, err := dormouse.Get[User](ctx, s, u.ID)
	require.NoError(t, err)
	assert.Same(t, u, same)

	u.Name = "Ada Lovelace"
	dirty, err = s.IsDirty(ctx)
	require.NoError(t, err)
	assert.True(t, dirty)
	require.NoError(t, s.Flush(ctx))
	assert.Equal(t, int64(2), u.Version)

	err = f.WithSession(ctx, func(ctx context.Context, other *dormouse.Session) error {
		fresh, err := dormouse.Get[User](ctx, other, u.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, "Ada Lovelace", fresh.Name)
		assert.Equal(t, int64(2), fresh.Version)
		return nil
	})
	require.NoError(t, err)

	u.Name = "scratch"
	require.NoError(t, s.Refresh(ctx, u))
	assert.Equal(t, "Ada Lovelace", u.Name)

	require.NoError(t, s.Delete(ctx, u))
	assert.False(t, s.Contains(u))
	require.NoError(t, s.Flush(ctx))

	gone, err := dormouse.Get[User](ctx, s, u.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	snap := f.Stats()
	assert.GreaterOrEqual(t, snap.Inserts, int64(1))
	assert.GreaterOrEqual(t, snap.Updates, int64(1))
	assert.GreaterOrEqual(t, snap.Deletes, int64(1))
}

func TestTransactionCommit(t *testing.T) {
	f := newFactory(t, nil)
	ctx := context.Background()

	var id int64
	err := f.WithTransaction(ctx, func(ctx context.Context, s *dormouse.Session) error {
		assert.True(t, s.InTransaction())
		u := &User{Email: "linus@example.com", Name: "Linus"}
		if err := s.Persist(ctx, u); err != nil {
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return err
		}
		id = u.ID
		return nil
	})
	require.NoError(t, err)
	require.NotZero(t, id)
	assert.Equal(t, int64(1), f.Stats().Transactions)

	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		require.NotNil(t, u)
		assert.Equal(t, "Linus", u.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestTransactionRollback(t *testing.T) {
	f := newFactory(t, nil)
	s, err := f.OpenSession()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Begin(ctx))
	u := &User{Email: "ghost@example.com", Name: "Ghost"}
	require.NoError(t, s.Persist(ctx, u))
	require.NoError(t, s.Flush(ctx))
	require.NotZero(t, u.ID)

	count, err := dormouse.NewQuery[User](s).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.Rollback())
	assert.False(t, s.InTransaction())
	assert.False(t, s.Contains(u))
	assert.Equal(t, int64(1), f.Stats().Rollbacks)

	count, err = dormouse.NewQuery[User](s).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// the session stays usable for new work
	u2 := &User{Email: "solid@example.com", Name: "Solid"}
	require.NoError(t, s.Persist(ctx, u2))
	require.NoError(t, s.Flush(ctx))
	count, err = dormouse.NewQuery[User](s).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAutoFlushBeforeQuery(t *testing.T) {
	f := newFactory(t, nil)
	s, err := f.OpenSession()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, &User{Email: "auto@example.com", Name: "Auto"}))
	count, err := dormouse.NewQuery[User](s).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFlushModeManual(t *testing.T) {
	f := newFactory(t, nil)
	s, err := f.OpenSession(dormouse.WithFlushMode(types.FlushManual))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Persist(ctx, &User{Email: "manual@example.com", Name: "Manual"}))
	count, err := dormouse.NewQuery[User](s).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, s.Flush(ctx))
	count, err = dormouse.NewQuery[User](s).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetMultiBatches(t *testing.T) {
	f := newFactory(t, nil)
	id1 := seedUser(t, f, "one@example.com", "One", "active")
	id2 := seedUser(t, f, "two@example.com", "Two", "active")
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		users, err := dormouse.GetMulti[User](ctx, s, id1, int64(9999), id2)
		if err != nil {
			return err
		}
		require.Len(t, users, 3)
		require.NotNil(t, users[0])
		assert.Nil(t, users[1])
		require.NotNil(t, users[2])
		assert.Equal(t, "one@example.com", users[0].Email)
		assert.Equal(t, "two@example.com", users[2].Email)
		return nil
	})
	require.NoError(t, err)
}

func TestLoadMissingRow(t *testing.T) {
	f := newFactory(t, nil)
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, int64(404))
		require.NoError(t, err)
		assert.Nil(t, u)

		_, err = dormouse.Load[User](ctx, s, int64(404))
		require.Error(t, err)
		assert.ErrorIs(t, err, engine.ErrUnresolvable)
		return nil
	})
	require.NoError(t, err)
}

func TestNaturalIDLookup(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "grace@example.com", "Grace", "active")
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.ByNaturalID[User](ctx, s, "grace@example.com")
		if err != nil {
			return err
		}
		require.NotNil(t, u)
		assert.Equal(t, id, u.ID)

		// resolved once, answered from the session afterwards
		again, err := dormouse.ByNaturalID[User](ctx, s, "grace@example.com")
		if err != nil {
			return err
		}
		assert.Same(t, u, again)

		miss, err := dormouse.ByNaturalID[User](ctx, s, "nobody@example.com")
		if err != nil {
			return err
		}
		assert.Nil(t, miss)

		// a pending persist resolves in memory, before any row exists
		pending := &User{Email: "alan@example.com", Name: "Alan"}
		if err := s.Persist(ctx, pending); err != nil {
			return err
		}
		found, err := dormouse.ByNaturalID[User](ctx, s, "alan@example.com")
		if err != nil {
			return err
		}
		assert.Same(t, pending, found)
		return nil
	})
	require.NoError(t, err)
}

func TestUniqueKeyLookup(t *testing.T) {
	f := newFactory(t, nil)
	seedUser(t, f, "kay@example.com", "Kay", "active")
	seedUser(t, f, "ken@example.com", "Crew", "active")
	seedUser(t, f, "dmr@example.com", "Crew", "active")
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.ByUniqueKey[User](ctx, s, "Email", "kay@example.com")
		if err != nil {
			return err
		}
		require.NotNil(t, u)
		assert.Equal(t, "Kay", u.Name)

		miss, err := dormouse.ByUniqueKey[User](ctx, s, "Email", "void@example.com")
		if err != nil {
			return err
		}
		assert.Nil(t, miss)

		_, err = dormouse.ByUniqueKey[User](ctx, s, "Name", "Crew")
		require.Error(t, err)
		assert.ErrorIs(t, err, engine.ErrNonUniqueResult)
		return nil
	})
	require.NoError(t, err)
}

func TestQueryDSL(t *testing.T) {
	f := newFactory(t, nil)
	seedUser(t, f, "a@example.com", "Ada", "active")
	seedUser(t, f, "b@example.com", "Brian", "active")
	seedUser(t, f, "c@example.com", "Carol", "retired")
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		active, err := dormouse.NewQuery[User](s).
			Where("u.status = ?", "active").
			Order("u.name ASC").
			List(ctx)
		if err != nil {
			return err
		}
		require.Len(t, active, 2)
		assert.Equal(t, "Ada", active[0].Name)
		assert.Equal(t, "Brian", active[1].Name)
		assert.True(t, s.Contains(active[0]))

		one, err := dormouse.NewQuery[User](s).Where("u.name = ?", "Carol").One(ctx)
		if err != nil {
			return err
		}
		require.NotNil(t, one)
		assert.Equal(t, "retired", one.Status)

		_, err = dormouse.NewQuery[User](s).Where("u.status = ?", "active").One(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, engine.ErrNonUniqueResult)

		count, err := dormouse.NewQuery[User](s).Count(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 3, count)

		exists, err := dormouse.NewQuery[User](s).Where("u.name = ?", "Nobody").Exists(ctx)
		if err != nil {
			return err
		}
		assert.False(t, exists)

		limited, err := dormouse.NewQuery[User](s).Order("u.id DESC").Limit(1).List(ctx)
		if err != nil {
			return err
		}
		require.Len(t, limited, 1)
		assert.Equal(t, "Carol", limited[0].Name)
		return nil
	})
	require.NoError(t, err)
}

func TestQueryPagination(t *testing.T) {
	f := newFactory(t, nil)
	for i := 0; i < 7; i++ {
		seedUser(t, f, fmt.Sprintf("user%d@example.com", i), fmt.Sprintf("User %d", i), "active")
	}
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		req := types.NewPageRequestWithOrders(2, 3, []string{"u.id ASC"})
		page, err := dormouse.NewQuery[User](s).Page(ctx, req)
		if err != nil {
			return err
		}
		assert.Equal(t, 7, page.Total)
		assert.Equal(t, 2, page.Page)
		assert.Equal(t, 3, page.PageSize)
		assert.Equal(t, 3, page.Pages())
		assert.True(t, page.HasNext())
		require.Len(t, page.Items, 3)
		assert.Equal(t, "User 3", page.Items[0].Name)

		filtered, err := dormouse.NewQuery[User](s).
			Page(ctx, types.NewPageRequestWithFilter(1, 10, types.NewQueryFilter("u.name = ?", "User 5")))
		if err != nil {
			return err
		}
		assert.Equal(t, 1, filtered.Total)
		require.Len(t, filtered.Items, 1)
		assert.False(t, filtered.HasNext())
		return nil
	})
	require.NoError(t, err)
}

func TestMergeDetached(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "dennis@example.com", "Dennis", "active")
	ctx := context.Background()

	detached := &User{ID: id, Email: "dennis@example.com", Name: "Dennis M. Ritchie", Version: 1}
	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		managed, err := dormouse.Merge[User](ctx, s, detached)
		if err != nil {
			return err
		}
		require.NotNil(t, managed)
		assert.NotSame(t, detached, managed)
		assert.True(t, s.Contains(managed))
		assert.False(t, s.Contains(detached))
		assert.Equal(t, "Dennis M. Ritchie", managed.Name)
		return s.Flush(ctx)
	})
	require.NoError(t, err)

	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		require.NotNil(t, u)
		assert.Equal(t, "Dennis M. Ritchie", u.Name)
		assert.Equal(t, int64(2), u.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestStaleUpdateDetected(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "race@example.com", "Race", "active")
	ctx := context.Background()

	sa, err := f.OpenSession()
	require.NoError(t, err)
	defer func() { _ = sa.Close() }()
	sb, err := f.OpenSession()
	require.NoError(t, err)
	defer func() { _ = sb.Close() }()

	ua, err := dormouse.Get[User](ctx, sa, id)
	require.NoError(t, err)
	ub, err := dormouse.Get[User](ctx, sb, id)
	require.NoError(t, err)
	require.NotSame(t, ua, ub)

	ua.Name = "First Writer"
	require.NoError(t, sa.Flush(ctx))

	ub.Name = "Second Writer"
	err = sb.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStaleState)
}

func TestOptimisticForceIncrement(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "ver@example.com", "Versioned", "active")
	ctx := context.Background()

	err := f.WithTransaction(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		return s.Lock(ctx, u, types.LockOptimisticForceIncrement)
	})
	require.NoError(t, err)

	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), u.Version)
		return nil
	})
	require.NoError(t, err)
}

func TestSecondLevelCache(t *testing.T) {
	cfg := dormouse.DefaultConfig()
	cfg.Cache.Enabled = true
	f := newFactory(t, cfg)
	id := seedUser(t, f, "cached@example.com", "Cached", "active")
	ctx := context.Background()
	assert.GreaterOrEqual(t, f.Stats().CachePuts, int64(1))

	// drop the row behind the session's back; the cache still answers
	_, err := f.DB().NewDelete().Model((*User)(nil)).Where("id = ?", id).Exec(ctx)
	require.NoError(t, err)

	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		require.NotNil(t, u)
		assert.Equal(t, "Cached", u.Name)
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.Stats().CacheHits, int64(1))

	require.NoError(t, f.EvictEntity((*User)(nil)))
	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		assert.Nil(t, u)
		return nil
	})
	require.NoError(t, err)
}

func TestRelationFetch(t *testing.T) {
	f := newFactory(t, nil)
	ctx := context.Background()

	var userID, postID int64
	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u := &User{Email: "author@example.com", Name: "Author"}
		u.Posts = []*Post{
			{Title: "First", User: u},
			{Title: "Second", User: u},
		}
		if err := s.Persist(ctx, u); err != nil {
			return err
		}
		if err := s.Flush(ctx); err != nil {
			return err
		}
		userID, postID = u.ID, u.Posts[0].ID
		return nil
	})
	require.NoError(t, err)
	require.NotZero(t, userID)
	require.NotZero(t, postID)

	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, userID)
		if err != nil {
			return err
		}
		require.NotNil(t, u)
		assert.Empty(t, u.Posts)

		if err := dormouse.Fetch(ctx, s, u, "Posts"); err != nil {
			return err
		}
		require.Len(t, u.Posts, 2)
		assert.True(t, s.Contains(u.Posts[0]))

		p, err := dormouse.Get[Post](ctx, s, postID)
		if err != nil {
			return err
		}
		require.NotNil(t, p)
		if err := dormouse.Fetch(ctx, s, p, "User"); err != nil {
			return err
		}
		assert.Same(t, u, p.User)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlySession(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "frozen@example.com", "Frozen", "active")
	ctx := context.Background()

	s, err := f.OpenSession(dormouse.WithReadOnly())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	err = s.Persist(ctx, &User{Email: "nope@example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrReadOnlySession)

	// loads work, changes to them never flush
	u, err := dormouse.Get[User](ctx, s, id)
	require.NoError(t, err)
	require.NotNil(t, u)
	u.Name = "Thawed"
	require.NoError(t, s.Flush(ctx))

	err = f.WithSession(ctx, func(ctx context.Context, other *dormouse.Session) error {
		fresh, err := dormouse.Get[User](ctx, other, id)
		if err != nil {
			return err
		}
		assert.Equal(t, "Frozen", fresh.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyInstance(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "pin@example.com", "Pinned", "active")
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		if err := s.SetReadOnly(u, true); err != nil {
			return err
		}
		u.Name = "ignored"
		if err := s.Flush(ctx); err != nil {
			return err
		}

		// back to tracked, starting from the current state
		if err := s.SetReadOnly(u, false); err != nil {
			return err
		}
		dirty, err := s.IsDirty(ctx)
		if err != nil {
			return err
		}
		assert.False(t, dirty)
		u.Name = "Applied"
		return s.Flush(ctx)
	})
	require.NoError(t, err)

	err = f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		assert.Equal(t, "Applied", u.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestEvictAndClear(t *testing.T) {
	f := newFactory(t, nil)
	id := seedUser(t, f, "evict@example.com", "Evicted", "active")
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		require.True(t, s.Contains(u))
		if err := s.Evict(ctx, u); err != nil {
			return err
		}
		assert.False(t, s.Contains(u))

		// changes to a detached instance never flush
		u.Name = "forgotten"
		if err := s.Flush(ctx); err != nil {
			return err
		}

		reloaded, err := dormouse.Get[User](ctx, s, id)
		if err != nil {
			return err
		}
		assert.NotSame(t, u, reloaded)
		assert.Equal(t, "Evicted", reloaded.Name)

		s.Clear()
		assert.False(t, s.Contains(reloaded))
		return nil
	})
	require.NoError(t, err)
}

type countingPersistListener struct {
	count *int
}

func (l countingPersistListener) OnPersist(ctx context.Context, r *event.Runtime, e *event.PersistEvent) error {
	*l.count++
	return nil
}

func TestCustomListener(t *testing.T) {
	var persists int
	reg := event.NewRegistry()
	reg.AppendPersistListener(countingPersistListener{count: &persists})

	f := newFactory(t, nil, dormouse.WithListeners(reg))
	ctx := context.Background()

	err := f.WithSession(ctx, func(ctx context.Context, s *dormouse.Session) error {
		u := &User{Email: "hook@example.com", Name: "Hook"}
		u.Posts = []*Post{{Title: "Cascaded", User: u}}
		if err := s.Persist(ctx, u); err != nil {
			return err
		}
		return s.Flush(ctx)
	})
	require.NoError(t, err)
	// once for the user, once for the cascaded post
	assert.Equal(t, 2, persists)
}

func TestClosedSessionGuards(t *testing.T) {
	f := newFactory(t, nil)
	s, err := f.OpenSession()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	ctx := context.Background()

	_, err = dormouse.Get[User](ctx, s, int64(1))
	assert.ErrorIs(t, err, engine.ErrSessionClosed)
	err = s.Persist(ctx, &User{Email: "x@example.com"})
	assert.ErrorIs(t, err, engine.ErrSessionClosed)
	assert.ErrorIs(t, s.Flush(ctx), engine.ErrSessionClosed)
	assert.ErrorIs(t, s.Begin(ctx), engine.ErrSessionClosed)
	assert.False(t, s.Contains(&User{}))
}
