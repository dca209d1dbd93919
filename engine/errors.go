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
	"errors"
	"fmt"

	"github.com/tomoncle/dormouse/database"
	"github.com/tomoncle/dormouse/types"
)

// Sentinel errors for errors.Is checks. Operations return richer types that
// unwrap to these.
var (
	// ErrStaleState means a versioned UPDATE or DELETE matched no row: the
	// row was changed or removed by another transaction since it was loaded.
	ErrStaleState = errors.New("row was updated or deleted by another transaction")
	// ErrUnresolvable means Load was asked for an identifier that has no row.
	ErrUnresolvable = errors.New("no row with the given identifier exists")
	// ErrNonUniqueResult means a single-result query matched several rows.
	ErrNonUniqueResult = errors.New("query returned more than one row")
	// ErrNonUniqueObject means a different instance with the same identifier
	// is already managed by the session.
	ErrNonUniqueObject = errors.New("a different instance with the same identifier is already in the session")
	// ErrTransientObject means a flush reached an entity that references an
	// unsaved instance not covered by a persist cascade.
	ErrTransientObject = errors.New("instance references an unsaved transient instance")
	// ErrDetachedObject means Persist received an instance that already has a
	// database identity.
	ErrDetachedObject = errors.New("detached instance passed to persist")
	// ErrIdentifierGeneration wraps id strategy failures.
	ErrIdentifierGeneration = errors.New("could not generate identifier")
	// ErrLockAcquisition means a pessimistic lock could not be obtained.
	ErrLockAcquisition = errors.New("could not acquire lock")
	// ErrReadOnlySession rejects writes in sessions or entries marked read-only.
	ErrReadOnlySession = errors.New("write operation on a read-only instance")
	// ErrSessionClosed rejects any operation after Close.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNoTransaction rejects Commit or Rollback without Begin.
	ErrNoTransaction = errors.New("no transaction in progress")
	// ErrFlushInProgress rejects re-entrant flushes from event listeners.
	ErrFlushInProgress = errors.New("flush is already in progress")
	// ErrConstraintViolation is the base of database constraint failures.
	ErrConstraintViolation = errors.New("database constraint violated")
)

// StaleStateError identifies which entity failed an optimistic check.
type StaleStateError struct {
	EntityName string
	ID         interface{}
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("%s#%v: %v", e.EntityName, e.ID, ErrStaleState)
}

func (e *StaleStateError) Unwrap() error { return ErrStaleState }

// UnresolvableError identifies the missing row behind a failed Load.
type UnresolvableError struct {
	EntityName string
	ID         interface{}
}

func (e *UnresolvableError) Error() string {
	return fmt.Sprintf("%s#%v: %v", e.EntityName, e.ID, ErrUnresolvable)
}

func (e *UnresolvableError) Unwrap() error { return ErrUnresolvable }

// NonUniqueObjectError reports an identity map collision.
type NonUniqueObjectError struct {
	EntityName string
	ID         interface{}
}

func (e *NonUniqueObjectError) Error() string {
	return fmt.Sprintf("%s#%v: %v", e.EntityName, e.ID, ErrNonUniqueObject)
}

func (e *NonUniqueObjectError) Unwrap() error { return ErrNonUniqueObject }

// TransientObjectError names the unsaved instance and the reference to it.
type TransientObjectError struct {
	EntityName string
	Field      string
	TargetName string
}

func (e *TransientObjectError) Error() string {
	return fmt.Sprintf("%s.%s -> %s: %v", e.EntityName, e.Field, e.TargetName, ErrTransientObject)
}

func (e *TransientObjectError) Unwrap() error { return ErrTransientObject }

// LockError carries the requested mode and the database cause, if any.
type LockError struct {
	EntityName string
	ID         interface{}
	Mode       types.LockMode
	Cause      error
}

func (e *LockError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s#%v (%s): %v: %v", e.EntityName, e.ID, e.Mode, ErrLockAcquisition, e.Cause)
	}
	return fmt.Sprintf("%s#%v (%s): %v", e.EntityName, e.ID, e.Mode, ErrLockAcquisition)
}

func (e *LockError) Unwrap() error { return ErrLockAcquisition }

// ConstraintViolationError carries the vendor classification of a rejected
// write: duplicate key, foreign key, not-null or check constraint.
type ConstraintViolationError struct {
	EntityName string
	ID         interface{}
	Kind       database.SQLError
	Cause      error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("%s#%v: %v: %v", e.EntityName, e.ID, ErrConstraintViolation, e.Cause)
}

func (e *ConstraintViolationError) Unwrap() error { return ErrConstraintViolation }

// WrapDBError converts low-level driver failures into engine errors where a
// more precise meaning exists, and passes everything else through.
func WrapDBError(err error, entityName string, id interface{}) error {
	if err == nil {
		return nil
	}
	if is, kind := database.IsSqlError(err); is {
		switch kind {
		case database.LockErr:
			return &LockError{EntityName: entityName, ID: id, Mode: types.LockPessimisticWrite, Cause: err}
		case database.SerializationErr:
			return fmt.Errorf("%w: %v", ErrLockAcquisition, err)
		case database.DuplicateKeyErr, database.NotNullViolationErr,
			database.ForeignKeyViolationErr, database.CheckConstraintViolationErr:
			return &ConstraintViolationError{EntityName: entityName, ID: id, Kind: kind, Cause: err}
		}
	}
	return err
}
