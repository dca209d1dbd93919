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

package database

import (
	"sort"
	"sync"
)

// modelEntry pairs a Bun model struct with its migration priority.
type modelEntry struct {
	instance interface{}
	priority int
}

// modelSet holds the schema models used by migration and schema sync,
// ordered by ascending priority. Entries with equal priority keep their
// registration order.
type modelSet struct {
	mu      sync.RWMutex
	entries []modelEntry
}

var defaultModels modelSet

// RegisteredModel records a model struct pointer for schema management.
// Lower priorities migrate first, so parent tables can precede the tables
// that reference them.
func RegisteredModel(instance interface{}, priority int) {
	defaultModels.add(instance, priority)
}

// ResetRegisteredModels drops every recorded model. Session factories call
// this before claiming the registry for their own entity set.
func ResetRegisteredModels() {
	defaultModels.mu.Lock()
	defaultModels.entries = nil
	defaultModels.mu.Unlock()
}

// RegisteredModelInstances returns the recorded model structs sorted by
// ascending priority.
func RegisteredModelInstances() []interface{} {
	return defaultModels.instances()
}

func (s *modelSet) add(instance interface{}, priority int) {
	if instance == nil {
		return
	}
	s.mu.Lock()
	s.entries = append(s.entries, modelEntry{instance: instance, priority: priority})
	s.mu.Unlock()
}

func (s *modelSet) instances() []interface{} {
	s.mu.RLock()
	sorted := make([]modelEntry, len(s.entries))
	copy(sorted, s.entries)
	s.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].priority < sorted[j].priority
	})
	out := make([]interface{}, len(sorted))
	for i, e := range sorted {
		out[i] = e.instance
	}
	return out
}
