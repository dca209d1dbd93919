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

package types

import "context"

// Entity lifecycle hooks, implemented by entity structs themselves in the
// same way Bun models implement its query hooks. The session invokes them
// around the statement that touches the row: Pre hooks may veto by returning
// an error, Post hooks observe the outcome.
//
//	func (u *User) PreInsert(ctx context.Context) error {
//		u.CreatedAt = time.Now()
//		return nil
//	}

type PreInsertHook interface {
	PreInsert(ctx context.Context) error
}

type PostInsertHook interface {
	PostInsert(ctx context.Context) error
}

type PreUpdateHook interface {
	PreUpdate(ctx context.Context) error
}

type PostUpdateHook interface {
	PostUpdate(ctx context.Context) error
}

type PreDeleteHook interface {
	PreDelete(ctx context.Context) error
}

type PostDeleteHook interface {
	PostDelete(ctx context.Context) error
}

// PostLoadHook runs after a row is read and its entity registered with the
// session.
type PostLoadHook interface {
	PostLoad(ctx context.Context) error
}
