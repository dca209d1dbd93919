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

package idgen

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
)

// DefaultBlockSize is how many ids one segment row trip hands out.
const DefaultBlockSize = 32

const maxHiLoAttempts = 8

// IDSegment is one allocator row per entity table. The hi value is claimed
// with an optimistic compare-and-swap UPDATE, so concurrent processes never
// hand out overlapping blocks.
type IDSegment struct {
	bun.BaseModel `bun:"table:dormouse_id_segments,alias:dseg"`

	Name   string `bun:"name,pk" json:"name"`
	NextHi int64  `bun:"next_hi,notnull" json:"next_hi"`
}

// HiLo allocates integer ids in blocks: id = hi*blockSize + lo + 1. Only one
// database round trip per block; unused ids from an abandoned block become
// gaps, never duplicates.
type HiLo struct {
	blockSize int64

	mu     sync.Mutex
	states map[string]*hiloState
}

type hiloState struct {
	hi int64
	lo int64
}

func NewHiLo(blockSize int64) *HiLo {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &HiLo{
		blockSize: blockSize,
		states:    make(map[string]*hiloState),
	}
}

func (*HiLo) Name() string     { return "hilo" }
func (*HiLo) PostInsert() bool { return false }

func (g *HiLo) Generate(ctx context.Context, db bun.IDB, entity *meta.Entity, _ interface{}) (interface{}, error) {
	key := entity.TableName()

	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[key]
	if st == nil || st.lo >= g.blockSize {
		hi, err := g.allocateHi(ctx, db, key)
		if err != nil {
			return nil, err
		}
		st = &hiloState{hi: hi}
		g.states[key] = st
	}
	id := st.hi*g.blockSize + st.lo + 1
	st.lo++
	return id, nil
}

// allocateHi claims the next hi value for key. A missing row is seeded with
// next_hi=1 and block 0 is returned; losing either race retries.
func (g *HiLo) allocateHi(ctx context.Context, db bun.IDB, key string) (int64, error) {
	for attempt := 0; attempt < maxHiLoAttempts; attempt++ {
		seg := new(IDSegment)
		err := db.NewSelect().Model(seg).Where("name = ?", key).Scan(ctx)
		if err != nil {
			if is, kind := database.IsSqlError(err); is && kind == database.NoRowsErr {
				_, insErr := db.NewInsert().Model(&IDSegment{Name: key, NextHi: 1}).Exec(ctx)
				if insErr == nil {
					return 0, nil
				}
				if is, kind := database.IsSqlError(insErr); is && kind == database.DuplicateKeyErr {
					continue
				}
				return 0, fmt.Errorf("hilo: seeding segment %s: %w", key, insErr)
			}
			return 0, fmt.Errorf("hilo: reading segment %s: %w", key, err)
		}

		res, err := db.NewUpdate().Model((*IDSegment)(nil)).
			Set("next_hi = ?", seg.NextHi+1).
			Where("name = ? AND next_hi = ?", key, seg.NextHi).
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("hilo: claiming segment %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return seg.NextHi, nil
		}
	}
	return 0, fmt.Errorf("hilo: could not claim a block for %s after %d attempts", key, maxHiLoAttempts)
}
