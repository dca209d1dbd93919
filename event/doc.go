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

// Package event implements the session operations as listener chains.
//
// Every operation a session exposes (load, persist, merge, delete, refresh,
// lock, flush, auto-flush, dirty check, evict) is dispatched as an event
// through a Registry of listeners. The Default* listeners carry the engine
// semantics: identity map first, then second-level cache, then batched
// database loads; cascades walked over the mapped relations; flush ordering
// delegated to the action queue. Applications observe or replace behavior by
// appending or swapping listeners on the Registry they pass to the session
// factory.
//
// The Runtime bundles the mutable state one session owns. It is confined to
// a single goroutine; listeners re-enter the pipeline through its Fire
// methods, with visited sets carried on the events to keep cyclic object
// graphs terminating.
package event
