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

// Package ringidx provides the wrap-around arithmetic shared by every
// circular buffer in this module. All functions are pure; positions are
// monotonic (never wrapped) and mapped to physical offsets on demand.
package ringidx

// Wrap maps a monotonic position to a physical offset inside a buffer of
// the given capacity. Capacity does not need to be a power of two.
func Wrap(position, capacity uint64) uint64 {
	return position % capacity
}

// Contiguous reports whether a span of length bytes starting at the given
// physical offset fits without wrapping past the end of the buffer.
//
// Callers must guarantee length <= capacity; this layer does not validate.
func Contiguous(offset, length, capacity uint64) bool {
	return offset+length <= capacity
}

// Split decomposes a wrapping span into its two physical chunks: the tail
// chunk ending at the buffer's physical end and the head chunk starting at
// offset zero. For a non-wrapping span the second chunk is zero.
func Split(offset, length, capacity uint64) (first, second uint64) {
	if Contiguous(offset, length, capacity) {
		return length, 0
	}
	first = capacity - offset
	return first, length - first
}
