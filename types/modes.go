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

import (
	"fmt"
	"strings"
)

// EntityState describes the lifecycle state of an instance relative to a session.
type EntityState int

const (
	// StateTransient marks an instance that was never associated with a session
	// and has no database identity.
	StateTransient EntityState = iota
	// StateManaged marks an instance tracked by an open persistence context.
	StateManaged
	// StateDetached marks an instance with a database identity that is no longer
	// tracked by any session.
	StateDetached
	// StateRemoved marks a managed instance scheduled for deletion.
	StateRemoved
	// StateGone marks an instance whose row was deleted and flushed.
	StateGone
)

func (s EntityState) String() string {
	switch s {
	case StateTransient:
		return "transient"
	case StateManaged:
		return "managed"
	case StateDetached:
		return "detached"
	case StateRemoved:
		return "removed"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LockMode is the requested concurrency protection level for an entity.
// Modes are ordered: a session only ever escalates, never downgrades.
type LockMode int

const (
	// LockNone performs no locking at all.
	LockNone LockMode = iota
	// LockRead is the implicit mode acquired by loading an entity.
	LockRead
	// LockOptimistic verifies the entity version at transaction commit.
	LockOptimistic
	// LockOptimisticForceIncrement verifies and additionally bumps the version.
	LockOptimisticForceIncrement
	// LockPessimisticRead acquires a shared row lock (SELECT ... FOR SHARE).
	LockPessimisticRead
	// LockPessimisticWrite acquires an exclusive row lock (SELECT ... FOR UPDATE).
	LockPessimisticWrite
)

// GreaterThan reports whether m is a strictly stronger mode than other.
func (m LockMode) GreaterThan(other LockMode) bool { return m > other }

// Pessimistic reports whether the mode requires a database row lock.
func (m LockMode) Pessimistic() bool {
	return m == LockPessimisticRead || m == LockPessimisticWrite
}

// Optimistic reports whether the mode works through the version column.
func (m LockMode) Optimistic() bool {
	return m == LockOptimistic || m == LockOptimisticForceIncrement
}

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockRead:
		return "read"
	case LockOptimistic:
		return "optimistic"
	case LockOptimisticForceIncrement:
		return "optimistic_force_increment"
	case LockPessimisticRead:
		return "pessimistic_read"
	case LockPessimisticWrite:
		return "pessimistic_write"
	default:
		return fmt.Sprintf("lock(%d)", int(m))
	}
}

// FlushMode controls when a session synchronizes pending changes to the database.
type FlushMode int

const (
	// FlushAuto flushes before queries whose tables overlap pending work and at
	// transaction commit. This is the default.
	FlushAuto FlushMode = iota
	// FlushCommit flushes only at transaction commit.
	FlushCommit
	// FlushManual flushes only when Flush is called explicitly.
	FlushManual
	// FlushAlways flushes before every session query.
	FlushAlways
)

// ParseFlushMode converts a configuration string into a FlushMode.
func ParseFlushMode(s string) (FlushMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FlushAuto, nil
	case "commit":
		return FlushCommit, nil
	case "manual":
		return FlushManual, nil
	case "always":
		return FlushAlways, nil
	default:
		return FlushAuto, fmt.Errorf("unknown flush mode: %q", s)
	}
}

func (m FlushMode) String() string {
	switch m {
	case FlushAuto:
		return "auto"
	case FlushCommit:
		return "commit"
	case FlushManual:
		return "manual"
	case FlushAlways:
		return "always"
	default:
		return fmt.Sprintf("flush(%d)", int(m))
	}
}

// CacheMode controls how a session interacts with the second-level cache.
type CacheMode int

const (
	// CacheNormal reads from and writes to the cache.
	CacheNormal CacheMode = iota
	// CacheIgnore never touches the cache.
	CacheIgnore
	// CacheRefresh skips reads but refreshes entries on load.
	CacheRefresh
	// CacheGet reads but never writes.
	CacheGet
	// CachePut writes but never reads.
	CachePut
)

// Reads reports whether the mode permits cache lookups.
func (m CacheMode) Reads() bool { return m == CacheNormal || m == CacheGet }

// Writes reports whether the mode permits cache population.
func (m CacheMode) Writes() bool {
	return m == CacheNormal || m == CacheRefresh || m == CachePut
}

func (m CacheMode) String() string {
	switch m {
	case CacheNormal:
		return "normal"
	case CacheIgnore:
		return "ignore"
	case CacheRefresh:
		return "refresh"
	case CacheGet:
		return "get"
	case CachePut:
		return "put"
	default:
		return fmt.Sprintf("cache(%d)", int(m))
	}
}

// CascadeKind is a bitmask of operations propagated across an association.
type CascadeKind uint8

const (
	CascadeNone    CascadeKind = 0
	CascadePersist CascadeKind = 1 << 0
	CascadeMerge   CascadeKind = 1 << 1
	CascadeRemove  CascadeKind = 1 << 2
	CascadeRefresh CascadeKind = 1 << 3
	CascadeLock    CascadeKind = 1 << 4
	// CascadeAll propagates every session operation.
	CascadeAll = CascadePersist | CascadeMerge | CascadeRemove | CascadeRefresh | CascadeLock
)

// Has reports whether the mask includes the given kind.
func (c CascadeKind) Has(kind CascadeKind) bool { return c&kind != 0 }

// ParseCascade converts a tag value such as "persist|merge" or "all" into a mask.
func ParseCascade(s string) (CascadeKind, error) {
	var mask CascadeKind
	for _, part := range strings.Split(s, "|") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "":
		case "all":
			mask |= CascadeAll
		case "persist":
			mask |= CascadePersist
		case "merge":
			mask |= CascadeMerge
		case "remove", "delete":
			mask |= CascadeRemove
		case "refresh":
			mask |= CascadeRefresh
		case "lock":
			mask |= CascadeLock
		default:
			return 0, fmt.Errorf("unknown cascade kind: %q", part)
		}
	}
	return mask, nil
}

func (c CascadeKind) String() string {
	if c == CascadeNone {
		return "none"
	}
	if c == CascadeAll {
		return "all"
	}
	var parts []string
	if c.Has(CascadePersist) {
		parts = append(parts, "persist")
	}
	if c.Has(CascadeMerge) {
		parts = append(parts, "merge")
	}
	if c.Has(CascadeRemove) {
		parts = append(parts, "remove")
	}
	if c.Has(CascadeRefresh) {
		parts = append(parts, "refresh")
	}
	if c.Has(CascadeLock) {
		parts = append(parts, "lock")
	}
	return strings.Join(parts, "|")
}
