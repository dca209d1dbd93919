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

package event

import (
	"context"

	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// LoadEvent asks for one entity by id. The default listener resolves it
// through the identity map, the second-level cache and finally the database,
// and leaves the managed instance in Result. A nil Result with a nil error
// means the row does not exist; MustExist turns that into UnresolvableError.
type LoadEvent struct {
	Entity    *meta.Entity
	ID        interface{}
	Lock      types.LockMode
	MustExist bool

	Result interface{}
}

// PersistEvent makes a transient instance managed and schedules its INSERT.
// Visited guards cascade cycles; the dispatcher seeds it.
type PersistEvent struct {
	Instance interface{}
	Visited  map[interface{}]struct{}
}

// MergeEvent copies the state of a detached instance onto its managed
// counterpart. Result is the managed instance, never the source. Copied maps
// already-merged sources to their targets so graphs with cycles merge each
// instance exactly once.
type MergeEvent struct {
	Source interface{}
	Copied map[interface{}]interface{}

	Result interface{}
}

// DeleteEvent schedules removal of a managed instance. Orphan marks deletes
// that originate from orphan removal during a collection diff.
type DeleteEvent struct {
	Instance interface{}
	Orphan   bool
	Visited  map[interface{}]struct{}
}

// RefreshEvent re-reads the row and overwrites in-memory state in place.
type RefreshEvent struct {
	Instance interface{}
	Lock     types.LockMode
	Visited  map[interface{}]struct{}
}

// LockEvent escalates the lock held on a managed instance.
type LockEvent struct {
	Instance interface{}
	Mode     types.LockMode
	Visited  map[interface{}]struct{}
}

// FlushEvent synchronizes pending changes with the database. The default
// listener fills in how many rows each phase wrote.
type FlushEvent struct {
	Inserted    int
	Updated     int
	Deleted     int
	Collections int
}

// AutoFlushEvent runs before a query: the session flushes first when pending
// work overlaps the tables the query reads.
type AutoFlushEvent struct {
	// Spaces are the tables the query is about to touch. Empty means flush
	// whenever anything is pending.
	Spaces  []string
	Flushed bool
}

// DirtyCheckEvent reports whether a flush would write anything.
type DirtyCheckEvent struct {
	Dirty bool
}

// EvictEvent detaches one instance from the session without flushing it.
type EvictEvent struct {
	Instance interface{}
}

type LoadListener interface {
	OnLoad(ctx context.Context, r *Runtime, e *LoadEvent) error
}

type PersistListener interface {
	OnPersist(ctx context.Context, r *Runtime, e *PersistEvent) error
}

type MergeListener interface {
	OnMerge(ctx context.Context, r *Runtime, e *MergeEvent) error
}

type DeleteListener interface {
	OnDelete(ctx context.Context, r *Runtime, e *DeleteEvent) error
}

type RefreshListener interface {
	OnRefresh(ctx context.Context, r *Runtime, e *RefreshEvent) error
}

type LockListener interface {
	OnLock(ctx context.Context, r *Runtime, e *LockEvent) error
}

type FlushListener interface {
	OnFlush(ctx context.Context, r *Runtime, e *FlushEvent) error
}

type AutoFlushListener interface {
	OnAutoFlush(ctx context.Context, r *Runtime, e *AutoFlushEvent) error
}

type DirtyCheckListener interface {
	OnDirtyCheck(ctx context.Context, r *Runtime, e *DirtyCheckEvent) error
}

type EvictListener interface {
	OnEvict(ctx context.Context, r *Runtime, e *EvictEvent) error
}

// Registry holds the listener chains the runtime dispatches through. Every
// chain starts out with the default listener; Append adds user listeners
// behind it, Replace swaps the whole chain.
type Registry struct {
	load       []LoadListener
	persist    []PersistListener
	merge      []MergeListener
	delete     []DeleteListener
	refresh    []RefreshListener
	lock       []LockListener
	flush      []FlushListener
	autoFlush  []AutoFlushListener
	dirtyCheck []DirtyCheckListener
	evict      []EvictListener
}

// NewRegistry wires the default listener for every event type.
func NewRegistry() *Registry {
	return &Registry{
		load:       []LoadListener{DefaultLoadListener{}},
		persist:    []PersistListener{DefaultPersistListener{}},
		merge:      []MergeListener{DefaultMergeListener{}},
		delete:     []DeleteListener{DefaultDeleteListener{}},
		refresh:    []RefreshListener{DefaultRefreshListener{}},
		lock:       []LockListener{DefaultLockListener{}},
		flush:      []FlushListener{DefaultFlushListener{}},
		autoFlush:  []AutoFlushListener{DefaultAutoFlushListener{}},
		dirtyCheck: []DirtyCheckListener{DefaultDirtyCheckListener{}},
		evict:      []EvictListener{DefaultEvictListener{}},
	}
}

func (r *Registry) AppendLoadListener(l LoadListener)     { r.load = append(r.load, l) }
func (r *Registry) ReplaceLoadListeners(l ...LoadListener) { r.load = l }

func (r *Registry) AppendPersistListener(l PersistListener)     { r.persist = append(r.persist, l) }
func (r *Registry) ReplacePersistListeners(l ...PersistListener) { r.persist = l }

func (r *Registry) AppendMergeListener(l MergeListener)     { r.merge = append(r.merge, l) }
func (r *Registry) ReplaceMergeListeners(l ...MergeListener) { r.merge = l }

func (r *Registry) AppendDeleteListener(l DeleteListener)     { r.delete = append(r.delete, l) }
func (r *Registry) ReplaceDeleteListeners(l ...DeleteListener) { r.delete = l }

func (r *Registry) AppendRefreshListener(l RefreshListener)     { r.refresh = append(r.refresh, l) }
func (r *Registry) ReplaceRefreshListeners(l ...RefreshListener) { r.refresh = l }

func (r *Registry) AppendLockListener(l LockListener)     { r.lock = append(r.lock, l) }
func (r *Registry) ReplaceLockListeners(l ...LockListener) { r.lock = l }

func (r *Registry) AppendFlushListener(l FlushListener)     { r.flush = append(r.flush, l) }
func (r *Registry) ReplaceFlushListeners(l ...FlushListener) { r.flush = l }

func (r *Registry) AppendAutoFlushListener(l AutoFlushListener) { r.autoFlush = append(r.autoFlush, l) }
func (r *Registry) ReplaceAutoFlushListeners(l ...AutoFlushListener) { r.autoFlush = l }

func (r *Registry) AppendDirtyCheckListener(l DirtyCheckListener) {
	r.dirtyCheck = append(r.dirtyCheck, l)
}
func (r *Registry) ReplaceDirtyCheckListeners(l ...DirtyCheckListener) { r.dirtyCheck = l }

func (r *Registry) AppendEvictListener(l EvictListener)     { r.evict = append(r.evict, l) }
func (r *Registry) ReplaceEvictListeners(l ...EvictListener) { r.evict = l }
