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

package channel

import (
	"unsafe"

	"code.hybscloud.com/atomix"

	"github.com/Algebraic-Programming/onesided/memory"
)

// Coordination buffer layout (16 bytes):
//
//	uint64 producerHead // tokens or bytes pushed so far, producer-written
//	uint64 consumerHead // tokens or bytes popped so far, consumer-written
//
// Each logical circular buffer owns an independent coordination buffer on
// each side: one word is the owner's authoritative counter, the other is a
// replica of the counterpart's counter, refreshed by one-sided push
// (counterpart's PutWord) or pull (UpdateDepth's GetWord). Only the owning
// side ever writes its own counter; the single-writer-per-word discipline
// is what replaces locking.
const (
	CoordinationBufferSize = 16

	producerHeadOffset = 0
	consumerHeadOffset = 8
)

// coordCounters overlays the fixed counter layout on a locally mapped
// coordination buffer. Counters are monotonic; depth is their difference,
// which uint64 subtraction keeps correct across numeric wrap.
type coordCounters struct {
	producerHead atomix.Uint64
	consumerHead atomix.Uint64
}

// coordOf validates b and returns the counter overlay.
func coordOf(b memory.Buffer) (*coordCounters, error) {
	if b == nil || b.Size() < CoordinationBufferSize {
		return nil, ErrBadCoordinationBuffer
	}
	p := b.Bytes()
	if p == nil {
		return nil, ErrBadCoordinationBuffer
	}
	addr := unsafe.Pointer(&p[0])
	if uintptr(addr)%8 != 0 {
		return nil, ErrBadCoordinationBuffer
	}
	return (*coordCounters)(addr), nil
}

// InitializeCoordinationBuffer zero-fills both counters. It must run
// exactly once, before either endpoint uses the buffer; skipping it leaves
// garbage depths with undefined behavior downstream.
func InitializeCoordinationBuffer(b memory.Buffer) error {
	c, err := coordOf(b)
	if err != nil {
		return err
	}
	c.producerHead.StoreRelaxed(0)
	c.consumerHead.StoreRelaxed(0)
	return nil
}

// depth returns producerHead - consumerHead as seen in this buffer. The
// replica word may lag its authoritative counter, which only ever makes
// the channel look more conservative (emptier to the consumer, fuller to
// the producer), never unsafe.
func (c *coordCounters) depth() uint64 {
	return c.producerHead.LoadAcquire() - c.consumerHead.LoadAcquire()
}
