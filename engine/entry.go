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

package engine

import (
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// EntityEntry is the bookkeeping attached to one managed instance: its key,
// lifecycle status, the loaded-state snapshot dirty checking compares
// against, and the strongest lock held so far.
type EntityEntry struct {
	Key      EntityKey
	Instance interface{}
	Meta     *meta.Entity

	Status types.EntityState
	// LoadedState holds the state-field values captured at load or last
	// flush, in meta.Entity.StateFields order. Nil for read-only entries,
	// which are never dirty checked.
	LoadedState []interface{}
	// Version is the value read from the row; the flush uses it in the
	// optimistic WHERE clause.
	Version  interface{}
	LockMode types.LockMode
	ReadOnly bool
	// ExistsInDB turns true once the row is known to be present, either
	// because it was loaded or because its INSERT was executed.
	ExistsInDB bool
}

// RequiresDirtyCheck reports whether this entry participates in flush
// comparison.
func (e *EntityEntry) RequiresDirtyCheck() bool {
	return !e.ReadOnly && e.Status == types.StateManaged && e.LoadedState != nil
}

// UpgradeLock records a stronger lock mode; weaker requests are ignored.
func (e *EntityEntry) UpgradeLock(mode types.LockMode) {
	if mode.GreaterThan(e.LockMode) {
		e.LockMode = mode
	}
}

// SetReadOnly toggles snapshot maintenance. Turning read-only on drops the
// snapshot; turning it off requires the caller to capture a fresh one.
func (e *EntityEntry) SetReadOnly(readOnly bool, snapshot []interface{}) {
	e.ReadOnly = readOnly
	if readOnly {
		e.LoadedState = nil
	} else {
		e.LoadedState = snapshot
	}
}
