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

// Package cache implements the second-level cache shared by all sessions of
// one factory. Entities are stored disassembled (snapshot plus version),
// never as live pointers, so sessions cannot leak managed instances to each
// other. Writes happen after commit only; a rolled-back transaction leaves
// the cache untouched.
package cache

// Region is one named cache segment with its own capacity and expiry.
type Region interface {
	Get(key string) (interface{}, bool)
	Put(key string, value interface{})
	Evict(key string)
	EvictAll()
	Len() int
}

// Provider hands out regions. Implementations must be safe for concurrent
// use; sessions on different goroutines share one provider.
type Provider interface {
	Region(name string) Region
	Close() error
}

// NoopProvider caches nothing. It backs factories with caching disabled so
// callers never branch on nil.
type NoopProvider struct{}

func NewNoopProvider() NoopProvider { return NoopProvider{} }

func (NoopProvider) Region(string) Region { return noopRegion{} }
func (NoopProvider) Close() error         { return nil }

type noopRegion struct{}

func (noopRegion) Get(string) (interface{}, bool) { return nil, false }
func (noopRegion) Put(string, interface{})        {}
func (noopRegion) Evict(string)                   {}
func (noopRegion) EvictAll()                      {}
func (noopRegion) Len() int                       { return 0 }
