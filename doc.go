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

// Package dormouse is a session-based object persistence layer on top of Bun.
//
// A SessionFactory is built once per database from a Config and the entity
// mappings, and hands out sessions: short-lived units of work that track the
// entities they load in an identity map, detect changes by snapshot
// comparison, and write everything back in foreign-key-safe order on Flush.
// Persist, Merge, Delete, Refresh and Lock cascade over the mapped relations;
// collections are diffed against their loaded membership, so adding or
// removing a child in a slice is enough.
//
// Loads go through the identity map, then an optional second-level cache
// shared by all sessions of the factory, then the database, where neighboring
// lookups of the same entity type ride one batched SELECT. Entities can also
// be resolved by natural id or by any unique column. Query wraps a Bun SELECT
// with the same session semantics: it flushes first when pending writes could
// affect the result, and rows the session already manages come back as the
// managed instances.
//
//	factory, err := dormouse.NewSessionFactory(cfg,
//		dormouse.WithEntity((*Author)(nil), meta.WithCacheable()),
//		dormouse.WithEntity((*Book)(nil)),
//	)
//	...
//	err = factory.WithTransaction(ctx, func(ctx context.Context, s *dormouse.Session) error {
//		author, err := dormouse.Get[Author](ctx, s, 1)
//		if err != nil {
//			return err
//		}
//		author.Name = "renamed"
//		return nil // flushed and committed by WithTransaction
//	})
//
// The repository package offers a stateless alternative for bulk work that
// does not need tracking, and the database package carries connection
// management, migrations and seeding.
package dormouse
