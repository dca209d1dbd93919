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

// Package idgen provides identifier generation strategies for new entities.
//
// A strategy is selected per entity by name, either with the dm:"id:<name>"
// struct tag or meta.WithIDGenerator. Built-in strategies:
//
//	assigned  the application sets the id before Persist (default for
//	          non-autoincrement keys)
//	identity  the database assigns the id on INSERT (default for
//	          autoincrement keys); the session carries a placeholder id
//	          until the row is written
//	uuid      time-ordered UUIDv7 for string or uuid.UUID keys
//	hilo      block allocation from the dormouse_id_segments table; one
//	          row trip hands out a whole block of ids
//	sequence  PostgreSQL sequences via nextval
//
// Custom strategies implement Generator and are added with Register.
package idgen
