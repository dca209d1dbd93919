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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchQueueDrainAroundPivot(t *testing.T) {
	b := NewBatchFetchQueue()
	for _, id := range []int64{10, 11, 12, 13} {
		b.Enqueue("User", id)
	}

	got := b.Drain("User", int64(99), 3)
	assert.Equal(t, []interface{}{int64(99), int64(10), int64(11)}, got)
	assert.Equal(t, 2, b.Size("User"))

	// draining a queued pivot removes it first, then fills around it
	got = b.Drain("User", int64(13), 3)
	assert.Equal(t, []interface{}{int64(13), int64(12)}, got)
	assert.Equal(t, 0, b.Size("User"))
}

func TestBatchQueueDeduplicatesAndRemoves(t *testing.T) {
	b := NewBatchFetchQueue()
	b.Enqueue("User", int64(1))
	b.Enqueue("User", int64(1))
	b.Enqueue("User", int64(2))
	assert.Equal(t, 2, b.Size("User"))

	b.Remove("User", int64(1))
	assert.Equal(t, 1, b.Size("User"))
	b.Remove("User", int64(1))
	assert.Equal(t, 1, b.Size("User"))
}

func TestBatchQueuePerEntityIsolation(t *testing.T) {
	b := NewBatchFetchQueue()
	b.Enqueue("User", int64(1))
	b.Enqueue("Order", int64(1))

	got := b.Drain("User", int64(2), 10)
	assert.Equal(t, []interface{}{int64(2), int64(1)}, got)
	assert.Equal(t, 1, b.Size("Order"))

	// batch size below two returns only the pivot
	got = b.Drain("Order", int64(1), 1)
	assert.Equal(t, []interface{}{int64(1)}, got)

	b.Clear()
	assert.Equal(t, 0, b.Size("Order"))
}
