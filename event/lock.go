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
	"errors"
	"fmt"
	"reflect"

	"github.com/tomoncle/dormouse/engine"
	"github.com/tomoncle/dormouse/meta"
	"github.com/tomoncle/dormouse/types"
)

// DefaultLockListener escalates the lock held on a managed instance.
// Optimistic modes work through the version column: a commit-time recheck or
// a forced increment. Pessimistic modes take a database row lock immediately.
type DefaultLockListener struct{}

func (DefaultLockListener) OnLock(ctx context.Context, r *Runtime, e *LockEvent) error {
	if e.Instance == nil {
		return fmt.Errorf("cannot lock nil instance")
	}
	if _, seen := e.Visited[e.Instance]; seen {
		return nil
	}
	e.Visited[e.Instance] = struct{}{}

	entity, err := r.entityFor(e.Instance)
	if err != nil {
		return err
	}
	entry := r.pc.EntryOf(e.Instance)
	if entry == nil {
		return fmt.Errorf("%s: %w", entity.Name, engine.ErrDetachedObject)
	}
	if entry.Status != types.StateManaged {
		return fmt.Errorf("%s: cannot lock a removed instance", entity.Name)
	}

	if e.Mode.GreaterThan(entry.LockMode) {
		switch e.Mode {
		case types.LockOptimistic:
			if !entity.Versioned() {
				return fmt.Errorf("%s: optimistic lock requires a version field", entity.Name)
			}
			// entry.Version is read inside the closure: the flush may bump it
			// before the commit runs the check
			r.queue.BeforeCommit(func(ctx context.Context) error {
				current, err := r.EntityLoader(entity).ReadVersion(ctx, entry.Key.ID)
				if err != nil {
					if errors.Is(err, engine.ErrUnresolvable) {
						return &engine.StaleStateError{EntityName: entry.Key.EntityName, ID: entry.Key.ID}
					}
					return err
				}
				if !reflect.DeepEqual(current, entry.Version) {
					return &engine.StaleStateError{EntityName: entry.Key.EntityName, ID: entry.Key.ID}
				}
				return nil
			})
		case types.LockOptimisticForceIncrement:
			if !entity.Versioned() {
				return fmt.Errorf("%s: optimistic lock requires a version field", entity.Name)
			}
			r.queue.AddUpdate(&engine.UpdateAction{Entry: entry, ForceVersion: true})
		case types.LockPessimisticRead, types.LockPessimisticWrite:
			if err := r.EntityLoader(entity).LockRow(ctx, entry.Key.ID, entry.Version, e.Mode); err != nil {
				return err
			}
		}
		entry.UpgradeLock(e.Mode)
	}

	return cascade(ctx, entity, e.Instance, types.CascadeLock,
		func(ctx context.Context, target *meta.Entity, child interface{}) error {
			// optimistic modes have nothing to verify or bump on an
			// unversioned child; only an explicit request is an error
			if e.Mode.Optimistic() && !target.Versioned() {
				return nil
			}
			return r.FireLock(ctx, &LockEvent{Instance: child, Mode: e.Mode, Visited: e.Visited})
		})
}
