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

	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// Sequence pulls ids from a PostgreSQL sequence named after the serial
// convention, <table>_<pk>_seq.
type Sequence struct{}

func (Sequence) Name() string     { return "sequence" }
func (Sequence) PostInsert() bool { return false }

func (Sequence) Generate(ctx context.Context, db bun.IDB, entity *meta.Entity, _ interface{}) (interface{}, error) {
	if db.Dialect().Name() != dialect.PG {
		return nil, fmt.Errorf("sequence strategy for %s requires PostgreSQL, connected dialect is %s",
			entity.Name, db.Dialect().Name())
	}
	seq := fmt.Sprintf("%s_%s_seq", entity.TableName(), entity.ID.Name)
	var id int64
	if err := db.NewRaw("SELECT nextval(?)", seq).Scan(ctx, &id); err != nil {
		return nil, fmt.Errorf("sequence %s: %w", seq, err)
	}
	return id, nil
}
