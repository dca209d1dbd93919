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

package dormouse

import (
	"context"
	"fmt"

	"github.com/tomoncle/dormouse/cache"
	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/event"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
	"github.com/uptrace/bun"
)

// Session is one unit of work: an identity map of loaded entities, a queue of
// pending writes, and an optional transaction. Entities loaded by a session
// are tracked; changing their fields is enough, Flush finds and writes the
// difference. A session belongs to one goroutine.
type Session struct {
	factory   *SessionFactory
	rt        *event.Runtime
	tx        *bun.Tx
	flushMode types.FlushMode
	closed    bool
}

// SessionOption adjusts a freshly opened session.
type SessionOption func(*Session)

// WithFlushMode overrides the factory's default flush mode.
func WithFlushMode(mode types.FlushMode) SessionOption {
	return func(s *Session) { s.flushMode = mode }
}

// WithCacheMode sets how the session interacts with the second-level cache.
func WithCacheMode(mode types.CacheMode) SessionOption {
	return func(s *Session) { s.rt.SetCacheMode(mode) }
}

// WithReadOnly opens the session in read-only mode: loads skip snapshots and
// the write operations fail.
func WithReadOnly() SessionOption {
	return func(s *Session) { s.rt.SetDefaultReadOnly(true) }
}

func (s *Session) guard() error {
	if s.closed {
		return engine.ErrSessionClosed
	}
	return nil
}

func (s *Session) writeGuard() error {
	if err := s.guard(); err != nil {
		return err
	}
	if s.rt.DefaultReadOnly() {
		return engine.ErrReadOnlySession
	}
	return nil
}

// Runtime exposes the session internals to custom listeners and tests.
func (s *Session) Runtime() *event.Runtime { return s.rt }

// DB is the current statement target: the transaction while one is open,
// the root connection otherwise.
func (s *Session) DB() bun.IDB { return s.rt.DB() }

// InTransaction reports whether Begin has been called without a matching
// Commit or Rollback.
func (s *Session) InTransaction() bool { return s.rt.InTransaction() }

// FlushMode returns the session's flush mode.
func (s *Session) FlushMode() types.FlushMode { return s.flushMode }

// SetFlushMode changes when pending writes reach the database.
func (s *Session) SetFlushMode(mode types.FlushMode) { s.flushMode = mode }

// CacheMode returns the session's second-level cache interaction mode.
func (s *Session) CacheMode() types.CacheMode { return s.rt.CacheMode() }

// SetCacheMode changes the second-level cache interaction mode.
func (s *Session) SetCacheMode(mode types.CacheMode) { s.rt.SetCacheMode(mode) }

// DefaultReadOnly reports whether newly loaded entities start read-only.
func (s *Session) DefaultReadOnly() bool { return s.rt.DefaultReadOnly() }

// SetDefaultReadOnly switches the read-only default for entities loaded from
// now on; already loaded entities keep their mode.
func (s *Session) SetDefaultReadOnly(readOnly bool) { s.rt.SetDefaultReadOnly(readOnly) }

// Get returns the entity with the given id, or nil when no row exists. The
// optional lock mode is acquired during the load.
func (s *Session) Get(ctx context.Context, model interface{}, id interface{}, lock ...types.LockMode) (interface{}, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	entity, err := s.rt.Meta().For(model)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, entity, id, lockOf(lock), false)
}

// Load is Get for rows that must exist: a missing row is an
// UnresolvableError instead of nil.
func (s *Session) Load(ctx context.Context, model interface{}, id interface{}, lock ...types.LockMode) (interface{}, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	entity, err := s.rt.Meta().For(model)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, entity, id, lockOf(lock), true)
}

func lockOf(lock []types.LockMode) types.LockMode {
	if len(lock) > 0 {
		return lock[0]
	}
	return types.LockNone
}

func (s *Session) load(ctx context.Context, entity *meta.Entity, id interface{}, lock types.LockMode, mustExist bool) (interface{}, error) {
	e := &event.LoadEvent{Entity: entity, ID: id, Lock: lock, MustExist: mustExist}
	if err := s.rt.FireLoad(ctx, e); err != nil {
		return nil, err
	}
	return e.Result, nil
}

// GetMulti returns the entities for the given ids, in id order, with nil in
// place of missing rows. All ids are primed into the batch queue first, so
// the database sees one SELECT ... IN per batch instead of one per id.
func (s *Session) GetMulti(ctx context.Context, model interface{}, ids []interface{}) ([]interface{}, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	entity, err := s.rt.Meta().For(model)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		norm, err := engine.NormalizeID(id)
		if err != nil {
			return nil, err
		}
		key := engine.EntityKey{EntityName: entity.Name, ID: norm}
		if s.rt.PersistenceContext().Entry(key) == nil {
			s.rt.BatchQueue().Enqueue(entity.Name, norm)
		}
	}

	out := make([]interface{}, len(ids))
	for i, id := range ids {
		result, err := s.load(ctx, entity, id, types.LockNone, false)
		if err != nil {
			return nil, err
		}
		out[i] = result
	}
	return out, nil
}

// GetByNaturalID returns the entity whose natural id matches the values, in
// mapping declaration order. Resolution tries the session first, then the
// shared resolution cache, then the database; concurrent database resolutions
// of the same tuple collapse into one SELECT.
func (s *Session) GetByNaturalID(ctx context.Context, model interface{}, values ...interface{}) (interface{}, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	entity, err := s.rt.Meta().For(model)
	if err != nil {
		return nil, err
	}
	if !entity.HasNaturalID() {
		return nil, fmt.Errorf("entity %s has no natural id", entity.Name)
	}

	if key, ok := s.rt.PersistenceContext().LookupNaturalID(entity.Name, values); ok {
		return s.load(ctx, entity, key.ID, types.LockNone, false)
	}

	if id, ok := s.rt.Cache().GetNaturalID(entity, values, s.rt.CacheMode()); ok {
		result, err := s.load(ctx, entity, id, types.LockNone, false)
		if err != nil || result != nil {
			return result, err
		}
		// the cached resolution points at a row that no longer exists
		s.rt.Cache().EvictNaturalID(entity, values)
	}

	if err := s.autoFlush(ctx, entity.TableName()); err != nil {
		return nil, err
	}
	ldr, err := s.rt.NaturalIDLoader(entity)
	if err != nil {
		return nil, err
	}
	resolve := func() (interface{}, error) {
		id, ok, err := ldr.ResolveID(ctx, values)
		if err != nil || !ok {
			return nil, err
		}
		return id, nil
	}

	var id interface{}
	if s.rt.InTransaction() {
		// a transaction may see uncommitted rows; never share its resolution
		id, err = resolve()
	} else {
		id, err = s.rt.Cache().LoadThrough(cache.NaturalIDKey(entity, values), resolve)
	}
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, nil
	}
	s.rt.Cache().PutNaturalID(entity, values, id, s.rt.CacheMode())
	return s.load(ctx, entity, id, types.LockNone, false)
}

// GetByUniqueKey returns the entity where one unique column equals the value.
// property takes the Go field name or the column name.
func (s *Session) GetByUniqueKey(ctx context.Context, model interface{}, property string, value interface{}) (interface{}, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	entity, err := s.rt.Meta().For(model)
	if err != nil {
		return nil, err
	}
	if err := s.autoFlush(ctx, entity.TableName()); err != nil {
		return nil, err
	}
	row, err := s.rt.UniqueKeyLoader(entity).Load(ctx, property, value)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return s.rt.Canonicalize(ctx, row, types.LockRead)
}

// Fetch loads one relation of a managed entity and rebinds the field. For
// collections the loaded membership becomes the tracked state, so a
// subsequent flush diffs against database reality.
func (s *Session) Fetch(ctx context.Context, instance interface{}, goField string) error {
	if err := s.guard(); err != nil {
		return err
	}
	entity, err := s.rt.Meta().For(instance)
	if err != nil {
		return err
	}
	spaces := []string{entity.TableName()}
	if rel := entity.Relation(goField); rel != nil && rel.Target != nil {
		spaces = append(spaces, rel.Target.TableName())
	}
	if err := s.autoFlush(ctx, spaces...); err != nil {
		return err
	}
	return s.rt.FetchRelation(ctx, instance, goField)
}

// Persist makes a transient instance managed and schedules its INSERT for
// the next flush. Cascades follow the persist relations.
func (s *Session) Persist(ctx context.Context, instance interface{}) error {
	if err := s.writeGuard(); err != nil {
		return err
	}
	return s.rt.FirePersist(ctx, &event.PersistEvent{Instance: instance})
}

// Merge copies the state of a detached instance onto its managed counterpart,
// loading it first when needed, and returns the managed instance. The
// argument stays detached.
func (s *Session) Merge(ctx context.Context, instance interface{}) (interface{}, error) {
	if err := s.writeGuard(); err != nil {
		return nil, err
	}
	e := &event.MergeEvent{Source: instance}
	if err := s.rt.FireMerge(ctx, e); err != nil {
		return nil, err
	}
	return e.Result, nil
}

// Delete schedules removal of a managed instance. Cascades follow the delete
// relations; the DELETE runs at flush, children before parents.
func (s *Session) Delete(ctx context.Context, instance interface{}) error {
	if err := s.writeGuard(); err != nil {
		return err
	}
	return s.rt.FireDelete(ctx, &event.DeleteEvent{Instance: instance})
}

// Refresh re-reads the row and overwrites the in-memory state, discarding
// unflushed changes.
func (s *Session) Refresh(ctx context.Context, instance interface{}, lock ...types.LockMode) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.rt.FireRefresh(ctx, &event.RefreshEvent{Instance: instance, Lock: lockOf(lock)})
}

// Lock escalates the lock held on a managed instance: optimistic modes
// schedule a version check or bump for commit, pessimistic modes lock the row
// now.
func (s *Session) Lock(ctx context.Context, instance interface{}, mode types.LockMode) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.rt.FireLock(ctx, &event.LockEvent{Instance: instance, Mode: mode})
}

// Flush synchronizes pending changes with the database: dirty entities are
// found by snapshot comparison, collections are diffed, and the writes run in
// foreign-key-safe order. Outside a transaction the after-commit work runs
// immediately.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.rt.FireFlush(ctx, &event.FlushEvent{}); err != nil {
		return err
	}
	if !s.rt.InTransaction() {
		return s.completeAutocommitFlush(ctx)
	}
	return nil
}

// completeAutocommitFlush runs the commit-time callbacks after a flush that
// happened outside any transaction: every statement already committed on its
// own.
func (s *Session) completeAutocommitFlush(ctx context.Context) error {
	if err := s.rt.ActionQueue().RunBeforeCommit(ctx); err != nil {
		return err
	}
	s.rt.ActionQueue().RunAfterCommit(true)
	return nil
}

// autoFlush flushes ahead of a query when the session's flush mode asks for
// it: always does, auto flushes only when pending writes overlap the tables
// the query reads, commit and manual never flush here.
func (s *Session) autoFlush(ctx context.Context, spaces ...string) error {
	switch s.flushMode {
	case types.FlushAlways:
		return s.Flush(ctx)
	case types.FlushAuto:
		e := &event.AutoFlushEvent{Spaces: spaces}
		if err := s.rt.FireAutoFlush(ctx, e); err != nil {
			return err
		}
		if e.Flushed && !s.rt.InTransaction() {
			return s.completeAutocommitFlush(ctx)
		}
		return nil
	default:
		return nil
	}
}

// IsDirty reports whether a flush would write anything.
func (s *Session) IsDirty(ctx context.Context) (bool, error) {
	if err := s.guard(); err != nil {
		return false, err
	}
	e := &event.DirtyCheckEvent{}
	if err := s.rt.FireDirtyCheck(ctx, e); err != nil {
		return false, err
	}
	return e.Dirty, nil
}

// Contains reports whether the instance is managed by this session. Instances
// scheduled for removal no longer count.
func (s *Session) Contains(instance interface{}) bool {
	if s.closed {
		return false
	}
	entry := s.rt.PersistenceContext().EntryOf(instance)
	if entry == nil {
		return false
	}
	return entry.Status != types.StateRemoved && entry.Status != types.StateGone
}

// Evict detaches one instance: pending writes for it are dropped and further
// changes are not tracked.
func (s *Session) Evict(ctx context.Context, instance interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.rt.FireEvict(ctx, &event.EvictEvent{Instance: instance})
}

// Detach is an alias for Evict.
func (s *Session) Detach(ctx context.Context, instance interface{}) error {
	return s.Evict(ctx, instance)
}

// Clear detaches everything and drops all pending writes. The session stays
// usable.
func (s *Session) Clear() {
	if s.closed {
		return
	}
	s.rt.PersistenceContext().Clear()
	s.rt.ActionQueue().Clear()
	s.rt.BatchQueue().Clear()
}

// SetReadOnly switches change tracking for one managed instance. Turning
// read-only off snapshots the current state, so only changes made after the
// call count as dirty.
func (s *Session) SetReadOnly(instance interface{}, readOnly bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	entry := s.rt.PersistenceContext().EntryOf(instance)
	if entry == nil {
		return fmt.Errorf("instance is not managed by this session: %w", engine.ErrTransientObject)
	}
	if readOnly {
		entry.SetReadOnly(true, nil)
		return nil
	}
	snapshot, err := entry.Meta.CopyState(instance)
	if err != nil {
		return err
	}
	entry.SetReadOnly(false, snapshot)
	return nil
}

// Begin starts a database transaction. Until Commit or Rollback every
// statement of the session runs inside it.
func (s *Session) Begin(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if s.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := s.rt.Root().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = &tx
	s.rt.SetDB(s.tx, true)
	s.factory.counters.TransactionBegun()
	return nil
}

// Commit flushes pending changes according to the flush mode, runs the
// before-commit checks, commits, and then publishes deferred cache updates.
// A flush or check failure leaves the transaction open for the caller to
// roll back.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if s.tx == nil {
		return engine.ErrNoTransaction
	}
	if s.flushMode != types.FlushManual {
		if err := s.rt.FireFlush(ctx, &event.FlushEvent{}); err != nil {
			return err
		}
	}
	if err := s.rt.ActionQueue().RunBeforeCommit(ctx); err != nil {
		return err
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.tx = nil
	s.rt.SetDB(s.rt.Root(), false)
	s.rt.ActionQueue().RunAfterCommit(true)
	return nil
}

// Rollback aborts the transaction and clears the session: flushed state was
// undone by the database, so every tracked entry is stale. The session stays
// usable for new work.
func (s *Session) Rollback() error {
	if err := s.guard(); err != nil {
		return err
	}
	if s.tx == nil {
		return engine.ErrNoTransaction
	}
	err := s.tx.Rollback()
	s.tx = nil
	s.rt.SetDB(s.rt.Root(), false)
	s.rt.ActionQueue().RunAfterCommit(false)
	s.rt.ActionQueue().Clear()
	s.rt.PersistenceContext().Clear()
	s.rt.BatchQueue().Clear()
	s.factory.counters.TransactionRolledBack()
	if err != nil {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

// Close ends the session. An open transaction is rolled back, never
// committed. Closing twice is harmless.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.tx != nil {
		err = s.Rollback()
	}
	s.closed = true
	s.rt.PersistenceContext().Clear()
	s.rt.ActionQueue().Clear()
	s.rt.BatchQueue().Clear()
	s.factory.counters.SessionClosed()
	return err
}
