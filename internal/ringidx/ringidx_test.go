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

package ringidx

import "testing"

func TestWrap(t *testing.T) {
	tests := []struct {
		position, capacity, want uint64
	}{
		{0, 20, 0},
		{19, 20, 19},
		{20, 20, 0},
		{47, 20, 7},
		{7, 3, 1}, // non-power-of-two capacity
	}
	for _, tt := range tests {
		if got := Wrap(tt.position, tt.capacity); got != tt.want {
			t.Errorf("Wrap(%d, %d) = %d, want %d", tt.position, tt.capacity, got, tt.want)
		}
	}
}

func TestContiguous(t *testing.T) {
	tests := []struct {
		offset, length, capacity uint64
		want                     bool
	}{
		{0, 20, 20, true},  // exactly fills
		{16, 4, 20, true},  // ends at the physical end
		{16, 5, 20, false}, // one byte past
		{19, 2, 20, false},
		{0, 0, 20, true},
	}
	for _, tt := range tests {
		if got := Contiguous(tt.offset, tt.length, tt.capacity); got != tt.want {
			t.Errorf("Contiguous(%d, %d, %d) = %v, want %v", tt.offset, tt.length, tt.capacity, got, tt.want)
		}
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		offset, length, capacity uint64
		first, second            uint64
	}{
		{0, 10, 20, 10, 0},
		{16, 4, 20, 4, 0},  // touches the end without wrapping
		{16, 10, 20, 4, 6}, // wraps
		{19, 20, 20, 1, 19},
		{5, 0, 20, 0, 0},
	}
	for _, tt := range tests {
		first, second := Split(tt.offset, tt.length, tt.capacity)
		if first != tt.first || second != tt.second {
			t.Errorf("Split(%d, %d, %d) = (%d, %d), want (%d, %d)",
				tt.offset, tt.length, tt.capacity, first, second, tt.first, tt.second)
		}
		if first+second != tt.length {
			t.Errorf("Split(%d, %d, %d) chunks sum to %d, want %d",
				tt.offset, tt.length, tt.capacity, first+second, tt.length)
		}
	}
}
