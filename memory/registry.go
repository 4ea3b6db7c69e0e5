/*
 *
 * Copyright 2025 The onesided authors.
 *
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
 *
 */

package memory

import (
	"fmt"
	"sync"
)

type tagKey struct {
	tag uint64
	key uint64
}

// Registry is the single owning table of exchanged buffers, keyed by
// (tag, key). Other structures hold keys, never a second owning reference;
// this keeps destroy bookkeeping in one place.
type Registry struct {
	mu      sync.Mutex
	entries map[tagKey]Buffer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[tagKey]Buffer)}
}

// Publish records b under (tag, key). Publishing a pair twice is an error:
// two participants contributed the same key to one exchange.
func (r *Registry) Publish(tag, key uint64, b Buffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tk := tagKey{tag, key}
	if _, ok := r.entries[tk]; ok {
		return fmt.Errorf("tag %d key %d: %w", tag, key, ErrDuplicateKey)
	}
	r.entries[tk] = b
	return nil
}

// Resolve returns the buffer published under (tag, key).
func (r *Registry) Resolve(tag, key uint64) (Buffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.entries[tagKey{tag, key}]
	if !ok {
		return nil, fmt.Errorf("tag %d key %d: %w", tag, key, ErrNotExchanged)
	}
	return b, nil
}

// Drop removes every entry whose buffer is b. Called when a scheduled
// destruction is finalized at a fence, so stale keys cannot resolve to
// freed memory.
func (r *Registry) Drop(b Buffer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tk, entry := range r.entries {
		if entry == b {
			delete(r.entries, tk)
		}
	}
}
