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
	"fmt"
	"sync/atomic"
)

var delayedSeq atomic.Int64

// DelayedID is the placeholder identifier carried by an entity whose real id
// the database assigns on INSERT. The pointer itself is the identity map key;
// after the INSERT runs the context re-keys the entry under the real id.
type DelayedID struct {
	seq int64
}

// NewDelayedID returns a unique placeholder.
func NewDelayedID() *DelayedID {
	return &DelayedID{seq: delayedSeq.Add(1)}
}

func (d *DelayedID) String() string {
	return fmt.Sprintf("<delayed:%d>", d.seq)
}
