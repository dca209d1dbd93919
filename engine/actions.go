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
	"context"

	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun/schema"
)

// InsertAction schedules one INSERT.
type InsertAction struct {
	Entry *EntityEntry
	// Delayed means the database assigns the id; the entry is re-keyed from
	// its placeholder after execution.
	Delayed bool
}

// UpdateAction schedules one UPDATE of the listed dirty columns.
type UpdateAction struct {
	Entry  *EntityEntry
	Fields []*schema.Field
	// ForceVersion bumps the version even without dirty columns
	// (LockOptimisticForceIncrement).
	ForceVersion bool
}

// DeleteAction schedules one DELETE.
type DeleteAction struct {
	Entry *EntityEntry
}

// CollectionUpdate synchronizes the foreign keys behind one has-many
// collection: attached children start pointing at the owner, detached ones
// are dissociated, or deleted when the relation removes orphans.
type CollectionUpdate struct {
	Owner    *EntityEntry
	Relation *meta.Relation
	// Attach are managed children whose FK column must point at the owner.
	Attach []*EntityEntry
	// DetachKeys identify children removed from the collection.
	DetachKeys []EntityKey
}

// ActionExecutor turns queued actions into SQL. The engine's Persister
// implements it; tests substitute recorders.
type ActionExecutor interface {
	ExecuteInsert(ctx context.Context, a *InsertAction) error
	ExecuteUpdate(ctx context.Context, a *UpdateAction) error
	ExecuteCollectionUpdate(ctx context.Context, a *CollectionUpdate) error
	ExecuteDelete(ctx context.Context, a *DeleteAction) error
}

// ActionQueue buffers the writes one flush will run and fixes their order:
// inserts parent-before-child, then updates, then collection synchronization,
// then deletes child-before-parent. Updates run before collection actions so
// a pending update never races an orphan removal of the same row.
// Before-commit checks and after-commit callbacks run when the surrounding
// transaction resolves.
type ActionQueue struct {
	inserts      []*InsertAction
	updates      []*UpdateAction
	collections  []*CollectionUpdate
	deletes      []*DeleteAction
	beforeCommit []func(ctx context.Context) error
	afterCommit  []func(committed bool)
}

func NewActionQueue() *ActionQueue {
	return &ActionQueue{}
}

func (q *ActionQueue) AddInsert(a *InsertAction)            { q.inserts = append(q.inserts, a) }
func (q *ActionQueue) AddUpdate(a *UpdateAction)            { q.updates = append(q.updates, a) }
func (q *ActionQueue) AddDelete(a *DeleteAction)            { q.deletes = append(q.deletes, a) }
func (q *ActionQueue) AddCollectionUpdate(a *CollectionUpdate) {
	q.collections = append(q.collections, a)
}

// AfterCommit registers a callback to run when the transaction commits or
// rolls back. Outside a transaction the session runs them right after flush.
func (q *ActionQueue) AfterCommit(fn func(committed bool)) {
	q.afterCommit = append(q.afterCommit, fn)
}

// BeforeCommit registers a verification that must pass before the transaction
// may commit, such as an optimistic version recheck.
func (q *ActionQueue) BeforeCommit(fn func(ctx context.Context) error) {
	q.beforeCommit = append(q.beforeCommit, fn)
}

// RunBeforeCommit fires the queued verifications and clears them. The first
// failure aborts the commit.
func (q *ActionQueue) RunBeforeCommit(ctx context.Context) error {
	checks := q.beforeCommit
	q.beforeCommit = nil
	for _, fn := range checks {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HasPending reports whether any write is queued.
func (q *ActionQueue) HasPending() bool {
	return len(q.inserts)+len(q.updates)+len(q.collections)+len(q.deletes) > 0
}

// PendingInsert returns the queued insert for the instance, or nil.
func (q *ActionQueue) PendingInsert(instance interface{}) *InsertAction {
	for _, a := range q.inserts {
		if a.Entry.Instance == instance {
			return a
		}
	}
	return nil
}

// RemoveInsert drops a queued insert, used when an entity is deleted before
// it was ever flushed.
func (q *ActionQueue) RemoveInsert(instance interface{}) bool {
	for i, a := range q.inserts {
		if a.Entry.Instance == instance {
			q.inserts = append(q.inserts[:i], q.inserts[i+1:]...)
			return true
		}
	}
	return false
}

// PendingUpdate returns the queued update for the entry, or nil.
func (q *ActionQueue) PendingUpdate(entry *EntityEntry) *UpdateAction {
	for _, a := range q.updates {
		if a.Entry == entry {
			return a
		}
	}
	return nil
}

// PendingDelete returns the queued delete for the instance, or nil.
func (q *ActionQueue) PendingDelete(instance interface{}) *DeleteAction {
	for _, a := range q.deletes {
		if a.Entry.Instance == instance {
			return a
		}
	}
	return nil
}

// UnscheduleDelete drops a queued delete. Persisting an entity that was
// removed earlier in the same session resurrects it this way.
func (q *ActionQueue) UnscheduleDelete(instance interface{}) bool {
	for i, a := range q.deletes {
		if a.Entry.Instance == instance {
			q.deletes = append(q.deletes[:i], q.deletes[i+1:]...)
			return true
		}
	}
	return false
}

// Pending returns the queued work in submission order. The slices are copies;
// the flush reads them to know which entries it wrote.
func (q *ActionQueue) Pending() (ins []*InsertAction, ups []*UpdateAction, cols []*CollectionUpdate, dels []*DeleteAction) {
	ins = append(ins, q.inserts...)
	ups = append(ups, q.updates...)
	cols = append(cols, q.collections...)
	dels = append(dels, q.deletes...)
	return ins, ups, cols, dels
}

// AffectedTables lists the tables pending work would touch. Auto-flush
// compares it against the tables a query is about to read.
func (q *ActionQueue) AffectedTables() map[string]struct{} {
	tables := make(map[string]struct{})
	for _, a := range q.inserts {
		tables[a.Entry.Meta.TableName()] = struct{}{}
	}
	for _, a := range q.updates {
		tables[a.Entry.Meta.TableName()] = struct{}{}
	}
	for _, a := range q.deletes {
		tables[a.Entry.Meta.TableName()] = struct{}{}
	}
	for _, a := range q.collections {
		if a.Relation.Target != nil {
			tables[a.Relation.Target.TableName()] = struct{}{}
		}
	}
	return tables
}

// Execute runs every queued action in flush order and clears the write
// queues. After-commit callbacks stay queued for the transaction outcome.
func (q *ActionQueue) Execute(ctx context.Context, ex ActionExecutor) error {
	for _, a := range q.sortedInserts() {
		if err := ex.ExecuteInsert(ctx, a); err != nil {
			return err
		}
	}
	for _, a := range q.updates {
		if err := ex.ExecuteUpdate(ctx, a); err != nil {
			return err
		}
	}
	for _, a := range q.collections {
		if err := ex.ExecuteCollectionUpdate(ctx, a); err != nil {
			return err
		}
	}
	for _, a := range q.sortedDeletes() {
		if err := ex.ExecuteDelete(ctx, a); err != nil {
			return err
		}
	}
	q.clearWrites()
	return nil
}

func (q *ActionQueue) clearWrites() {
	q.inserts = nil
	q.updates = nil
	q.collections = nil
	q.deletes = nil
}

// Clear drops all pending work including commit callbacks.
func (q *ActionQueue) Clear() {
	q.clearWrites()
	q.beforeCommit = nil
	q.afterCommit = nil
}

// RunAfterCommit fires and clears the completion callbacks.
func (q *ActionQueue) RunAfterCommit(committed bool) {
	callbacks := q.afterCommit
	q.afterCommit = nil
	for _, fn := range callbacks {
		fn(committed)
	}
}

// sortedInserts orders pending inserts so every row lands after the rows its
// foreign keys reference. Edges come from relation fields whose referenced
// instance is itself pending. The sort is stable: unrelated inserts keep
// their queue order.
func (q *ActionQueue) sortedInserts() []*InsertAction {
	if len(q.inserts) < 2 {
		return q.inserts
	}
	order := topoSort(q.inserts, func(a *InsertAction) *EntityEntry { return a.Entry })
	return order
}

// sortedDeletes orders pending deletes child-before-parent: the reverse of
// the insert ordering.
func (q *ActionQueue) sortedDeletes() []*DeleteAction {
	if len(q.deletes) < 2 {
		return q.deletes
	}
	parentFirst := topoSort(q.deletes, func(a *DeleteAction) *EntityEntry { return a.Entry })
	reversed := make([]*DeleteAction, len(parentFirst))
	for i, a := range parentFirst {
		reversed[len(parentFirst)-1-i] = a
	}
	return reversed
}

// topoSort emits actions parent-first. Cycles fall back to queue order for
// the remaining actions.
func topoSort[T any](actions []T, entryOf func(T) *EntityEntry) []T {
	byInstance := make(map[interface{}]int, len(actions))
	for i, a := range actions {
		byInstance[entryOf(a).Instance] = i
	}

	indegree := make([]int, len(actions))
	children := make([][]int, len(actions))
	for i, a := range actions {
		entry := entryOf(a)
		for _, rel := range entry.Meta.Relations {
			related, err := rel.RelatedInstances(entry.Instance)
			if err != nil {
				continue
			}
			for _, other := range related {
				if other == entry.Instance {
					continue
				}
				j, ok := byInstance[other]
				if !ok {
					continue
				}
				if rel.FKOnTarget() {
					// the related row references this one
					children[i] = append(children[i], j)
					indegree[j]++
				} else {
					// this row references the related one
					children[j] = append(children[j], i)
					indegree[i]++
				}
			}
		}
	}

	sorted := make([]T, 0, len(actions))
	emitted := make([]bool, len(actions))
	for len(sorted) < len(actions) {
		progressed := false
		for i, a := range actions {
			if emitted[i] || indegree[i] > 0 {
				continue
			}
			emitted[i] = true
			sorted = append(sorted, a)
			for _, child := range children[i] {
				indegree[child]--
			}
			progressed = true
		}
		if !progressed {
			for i, a := range actions {
				if !emitted[i] {
					sorted = append(sorted, a)
				}
			}
			break
		}
	}
	return sorted
}
