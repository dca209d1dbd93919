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

package idgen

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomoncle/dormouse/meta"
	"github.com/uptrace/bun"
)

// Generator produces identifier values for newly persisted entities.
type Generator interface {
	// Name is the strategy key referenced from entity mappings.
	Name() string
	// PostInsert reports whether the database assigns the id during INSERT.
	// Post-insert strategies are never asked to Generate.
	PostInsert() bool
	// Generate returns the id value for the given instance. Implementations
	// that hit the database receive the factory's root connection, never a
	// business transaction, so rollbacks cannot recycle handed-out ids.
	Generate(ctx context.Context, db bun.IDB, entity *meta.Entity, instance interface{}) (interface{}, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Generator)
)

// Register adds or replaces a strategy under its Name.
func Register(g Generator) {
	registryMu.Lock()
	registry[g.Name()] = g
	registryMu.Unlock()
}

// Resolve looks up a strategy by name.
func Resolve(name string) (Generator, error) {
	registryMu.RLock()
	g, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown id generation strategy: %q", name)
	}
	return g, nil
}

func init() {
	Register(Assigned{})
	Register(Identity{})
	Register(NewUUID())
	Register(NewHiLo(DefaultBlockSize))
	Register(Sequence{})
}

// Assigned expects the application to set the id before Persist.
type Assigned struct{}

func (Assigned) Name() string     { return "assigned" }
func (Assigned) PostInsert() bool { return false }

func (Assigned) Generate(_ context.Context, _ bun.IDB, entity *meta.Entity, instance interface{}) (interface{}, error) {
	zero, err := entity.HasZeroID(instance)
	if err != nil {
		return nil, err
	}
	if zero {
		return nil, fmt.Errorf("ids for %s must be assigned before persisting", entity.Name)
	}
	return entity.IDValue(instance)
}

// Identity delegates id assignment to the database (autoincrement / serial).
type Identity struct{}

func (Identity) Name() string     { return "identity" }
func (Identity) PostInsert() bool { return true }

func (Identity) Generate(_ context.Context, _ bun.IDB, entity *meta.Entity, _ interface{}) (interface{}, error) {
	return nil, fmt.Errorf("identity ids for %s are assigned on insert", entity.Name)
}
