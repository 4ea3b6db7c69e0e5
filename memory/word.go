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
	"unsafe"

	"code.hybscloud.com/atomix"
)

// WordAt returns an atomic view of the 8-byte word at off inside a locally
// mapped buffer. Backend implementations use it to carry PutWord/GetWord
// with real acquire/release ordering instead of plain byte copies.
func WordAt(b Buffer, off uint64) (*atomix.Uint64, error) {
	p := b.Bytes()
	if p == nil {
		return nil, fmt.Errorf("word at %d: buffer has no local mapping: %w", off, ErrUnsupported)
	}
	if off+8 > uint64(len(p)) {
		return nil, fmt.Errorf("word at %d in %d-byte buffer: %w", off, len(p), ErrOutOfRange)
	}
	addr := unsafe.Pointer(&p[off])
	if uintptr(addr)%8 != 0 {
		return nil, fmt.Errorf("word at %d: address not 8-byte aligned: %w", off, ErrOutOfRange)
	}
	return (*atomix.Uint64)(addr), nil
}
