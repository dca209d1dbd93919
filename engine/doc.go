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

// Package engine implements the persistence context: the identity map, entity
// entries with loaded-state snapshots, dirty checking, and the action queue
// that orders SQL statements inside a flush.
//
// A persistence context belongs to exactly one session and is not safe for
// concurrent use. The session owns the lifecycle: entities become managed
// through loads or Persist, changes are detected by comparing against the
// snapshot taken at load time, and the action queue writes them back
// parent-before-child at flush.
package engine
