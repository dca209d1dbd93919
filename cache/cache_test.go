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

package cache

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/stats"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`

	ID      int64  `bun:"id,pk,autoincrement"`
	Owner   string `bun:"owner"`
	Balance int64  `bun:"balance"`
	Version int64  `bun:"version" dm:"version"`
}

type Ledger struct {
	bun.BaseModel `bun:"table:ledgers,alias:led"`

	ID   int64  `bun:"id,pk,autoincrement"`
	Note string `bun:"note"`
}

func newCacheMeta(t *testing.T) (*meta.Entity, *meta.Entity) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	r := meta.NewRegistry(db)
	account, err := r.Register((*Account)(nil), meta.WithCacheRegion("accounts"))
	require.NoError(t, err)
	ledger, err := r.Register((*Ledger)(nil)) // not cacheable
	require.NoError(t, err)
	require.NoError(t, r.LinkRelations())
	return account, ledger
}

func TestLRURegionBasics(t *testing.T) {
	p := NewLRUProvider(2, 0)
	defer func() { _ = p.Close() }()
	r := p.Region("test")

	r.Put("a", 1)
	r.Put("b", 2)
	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// capacity 2: adding a third evicts the least recently used
	r.Put("c", 3)
	assert.Equal(t, 2, r.Len())

	r.Evict("c")
	_, ok = r.Get("c")
	assert.False(t, ok)

	r.EvictAll()
	assert.Zero(t, r.Len())
}

func TestLRURegionTTL(t *testing.T) {
	p := NewLRUProvider(8, 20*time.Millisecond)
	defer func() { _ = p.Close() }()
	r := p.Region("ttl")

	r.Put("k", "v")
	_, ok := r.Get("k")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = r.Get("k")
	assert.False(t, ok)
}

func TestProviderReusesRegions(t *testing.T) {
	p := NewLRUProvider(4, 0)
	defer func() { _ = p.Close() }()

	a := p.Region("same")
	a.Put("k", 1)
	b := p.Region("same")
	_, ok := b.Get("k")
	assert.True(t, ok)
}

func TestDisassembleAssembleRoundTrip(t *testing.T) {
	account, _ := newCacheMeta(t)

	src := &Account{ID: 1, Owner: "alice", Balance: 100, Version: 3}
	ce, err := Disassemble(account, src)
	require.NoError(t, err)
	assert.Equal(t, int64(3), ce.Version)

	dst := &Account{ID: 1}
	require.NoError(t, ce.Assemble(account, dst))
	assert.Equal(t, "alice", dst.Owner)
	assert.Equal(t, int64(100), dst.Balance)
	assert.Equal(t, int64(3), dst.Version)

	// the snapshot is a copy: mutating the source must not leak through
	src.Owner = "mallory"
	fresh := &Account{ID: 1}
	require.NoError(t, ce.Assemble(account, fresh))
	assert.Equal(t, "alice", fresh.Owner)
}

func TestAccessorModeGating(t *testing.T) {
	account, _ := newCacheMeta(t)
	counters := stats.New()
	a := NewAccessor(NewLRUProvider(16, 0), counters)
	defer func() { _ = a.Close() }()

	ce, err := Disassemble(account, &Account{ID: 1, Owner: "x"})
	require.NoError(t, err)

	// CacheIgnore writes nothing
	a.Put(account, int64(1), ce, types.CacheIgnore)
	_, ok := a.Get(account, int64(1), types.CacheNormal)
	assert.False(t, ok)

	// CachePut writes but refuses to read
	a.Put(account, int64(1), ce, types.CachePut)
	_, ok = a.Get(account, int64(1), types.CachePut)
	assert.False(t, ok)

	// CacheGet reads what CachePut stored
	got, ok := a.Get(account, int64(1), types.CacheGet)
	require.True(t, ok)
	assert.Equal(t, ce, got)

	s := counters.Read()
	assert.Equal(t, int64(1), s.CachePuts)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
}

func TestAccessorSkipsNonCacheableEntities(t *testing.T) {
	_, ledger := newCacheMeta(t)
	a := NewAccessor(NewLRUProvider(16, 0), nil)
	defer func() { _ = a.Close() }()

	ce := &CachedEntity{State: []interface{}{"note"}}
	a.Put(ledger, int64(1), ce, types.CacheNormal)
	_, ok := a.Get(ledger, int64(1), types.CacheNormal)
	assert.False(t, ok)
}

func TestAccessorEvict(t *testing.T) {
	account, _ := newCacheMeta(t)
	a := NewAccessor(NewLRUProvider(16, 0), nil)
	defer func() { _ = a.Close() }()

	ce, err := Disassemble(account, &Account{ID: 2, Owner: "y"})
	require.NoError(t, err)
	a.Put(account, int64(2), ce, types.CacheNormal)

	a.Evict(account, int64(2))
	_, ok := a.Get(account, int64(2), types.CacheNormal)
	assert.False(t, ok)

	a.Put(account, int64(2), ce, types.CacheNormal)
	a.EvictEntity(account)
	_, ok = a.Get(account, int64(2), types.CacheNormal)
	assert.False(t, ok)
}

func TestLoadThroughCollapsesConcurrentLoads(t *testing.T) {
	a := NewAccessor(NewNoopProvider(), nil)

	var calls atomic.Int64
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.LoadThrough("Account#1", func() (interface{}, error) {
				calls.Add(1)
				<-gate
				return "row", nil
			})
			assert.NoError(t, err)
			assert.Equal(t, "row", v)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load())
}

func TestAccessorNaturalIDResolutions(t *testing.T) {
	account, ledger := newCacheMeta(t)
	a := NewAccessor(NewLRUProvider(8, 0), nil)
	tuple := []interface{}{"alice"}

	_, ok := a.GetNaturalID(account, tuple, types.CacheNormal)
	assert.False(t, ok)

	a.PutNaturalID(account, tuple, int64(7), types.CacheNormal)
	id, ok := a.GetNaturalID(account, tuple, types.CacheNormal)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)

	// resolutions live apart from entity state
	_, ok = a.Get(account, int64(7), types.CacheNormal)
	assert.False(t, ok)

	// gated exactly like entity state
	a.PutNaturalID(ledger, tuple, int64(9), types.CacheNormal)
	_, ok = a.GetNaturalID(ledger, tuple, types.CacheNormal)
	assert.False(t, ok)
	_, ok = a.GetNaturalID(account, tuple, types.CacheIgnore)
	assert.False(t, ok)

	a.EvictNaturalID(account, tuple)
	_, ok = a.GetNaturalID(account, tuple, types.CacheNormal)
	assert.False(t, ok)
}
