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

// cascade applies visit to every reachable child of instance across the
// relations whose mapping propagates kind. Children are the current in-memory
// references; listeners that need database state (delete of an unloaded
// collection) resolve it themselves. Cycle protection lives in the visited
// sets the events carry, so re-dispatching through the listener chain stays
// safe.
func cascade(ctx context.Context, entity *meta.Entity, instance interface{}, kind types.CascadeKind,
	visit func(ctx context.Context, target *meta.Entity, child interface{}) error) error {
	for _, rel := range entity.Relations {
		if !rel.Cascade.Has(kind) || rel.Target == nil {
			continue
		}
		children, err := rel.RelatedInstances(instance)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := visit(ctx, rel.Target, child); err != nil {
				return err
			}
		}
	}
	return nil
}
