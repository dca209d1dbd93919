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

// BatchFetchQueue collects identifiers that are likely to be loaded soon:
// foreign keys seen on loaded rows and ids requested in bulk. When one of
// them is finally loaded, Drain hands the loader up to batch-size ids to
// fetch in the same SELECT. Like the persistence context it belongs to, it
// is confined to a single session.
type BatchFetchQueue struct {
	// ids per entity name, in enqueue order
	queued map[string][]interface{}
	member map[EntityKey]struct{}
}

func NewBatchFetchQueue() *BatchFetchQueue {
	return &BatchFetchQueue{
		queued: make(map[string][]interface{}),
		member: make(map[EntityKey]struct{}),
	}
}

// Enqueue marks an id as a batch-load candidate. Duplicates are ignored.
func (b *BatchFetchQueue) Enqueue(entityName string, id interface{}) {
	key := EntityKey{EntityName: entityName, ID: id}
	if _, ok := b.member[key]; ok {
		return
	}
	b.member[key] = struct{}{}
	b.queued[entityName] = append(b.queued[entityName], id)
}

// Remove drops an id that no longer needs loading, typically because the
// row arrived through another path.
func (b *BatchFetchQueue) Remove(entityName string, id interface{}) {
	key := EntityKey{EntityName: entityName, ID: id}
	if _, ok := b.member[key]; !ok {
		return
	}
	delete(b.member, key)
	ids := b.queued[entityName]
	for i, queued := range ids {
		if queued == id {
			b.queued[entityName] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Drain returns the pivot id plus up to batchSize-1 queued ids of the same
// entity, removing the returned ids from the queue. With batchSize < 2 only
// the pivot is returned.
func (b *BatchFetchQueue) Drain(entityName string, pivot interface{}, batchSize int) []interface{} {
	b.Remove(entityName, pivot)
	out := []interface{}{pivot}
	if batchSize < 2 {
		return out
	}
	ids := b.queued[entityName]
	take := batchSize - 1
	if take > len(ids) {
		take = len(ids)
	}
	for _, id := range ids[:take] {
		delete(b.member, EntityKey{EntityName: entityName, ID: id})
		out = append(out, id)
	}
	b.queued[entityName] = ids[take:]
	return out
}

// Size reports how many ids are queued for one entity.
func (b *BatchFetchQueue) Size(entityName string) int {
	return len(b.queued[entityName])
}

// Clear empties the queue.
func (b *BatchFetchQueue) Clear() {
	b.queued = make(map[string][]interface{})
	b.member = make(map[EntityKey]struct{})
}
