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
	"unsafe"
)

// Domain is an in-process communication domain: a fixed number of endpoint
// parties (one per goroutine) over one address space. Put and Get are plain
// copies, which makes the Domain the reference substrate for tests and for
// single-process embeddings of the channel protocol.
type Domain struct {
	parties int
	reg     *Registry
	bar     *condBarrier
}

// NewDomain creates a domain for the given number of endpoint parties.
func NewDomain(parties int) *Domain {
	if parties < 1 {
		panic("memory: domain needs at least one party")
	}
	return &Domain{
		parties: parties,
		reg:     NewRegistry(),
		bar:     newCondBarrier(parties),
	}
}

// Parties returns the number of endpoints in the domain.
func (d *Domain) Parties() int { return d.parties }

// Endpoint returns the backend for one party. Each endpoint must be driven
// by a single goroutine; distinct endpoints may run concurrently.
func (d *Domain) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= d.parties {
		panic(fmt.Sprintf("memory: rank %d out of range [0,%d)", rank, d.parties))
	}
	return &Endpoint{domain: d, rank: rank, deferred: make(map[uint64][]Buffer)}
}

// Endpoint implements Backend for one party of an in-process Domain.
type Endpoint struct {
	domain   *Domain
	rank     int
	deferred map[uint64][]Buffer // tag -> buffers scheduled for free
}

// Rank returns the endpoint's party index.
func (e *Endpoint) Rank() int { return e.rank }

// hostBuffer is a Domain-owned buffer: plain heap memory.
type hostBuffer struct {
	p        []byte
	external bool // registered caller-owned memory; Free does not reclaim
	freed    bool
}

func (b *hostBuffer) Size() uint64  { return uint64(len(b.p)) }
func (b *hostBuffer) Bytes() []byte { return b.p }

// Allocate reserves size bytes of process heap. The backing store is
// word-aligned so coordination counters can be overlaid at any 8-byte
// offset.
func (e *Endpoint) Allocate(size uint64) (Buffer, error) {
	words := make([]uint64, (size+7)/8)
	var p []byte
	if size > 0 {
		p = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &hostBuffer{p: p}, nil
}

// Register wraps caller-owned memory as a buffer without copying.
func (e *Endpoint) Register(p []byte) (Buffer, error) {
	return &hostBuffer{p: p, external: true}, nil
}

// Free releases a buffer immediately.
func (e *Endpoint) Free(b Buffer) error {
	hb, ok := b.(*hostBuffer)
	if !ok {
		return ErrForeignBuffer
	}
	hb.freed = true
	if !hb.external {
		hb.p = nil
	}
	return nil
}

func checkSpan(b Buffer, off, n uint64) (*hostBuffer, error) {
	hb, ok := b.(*hostBuffer)
	if !ok {
		return nil, ErrForeignBuffer
	}
	if off+n > hb.Size() {
		return nil, fmt.Errorf("span [%d,%d) in %d-byte buffer: %w", off, off+n, hb.Size(), ErrOutOfRange)
	}
	return hb, nil
}

// Put copies n bytes from src into dst. In-process, every buffer is locally
// addressable, so the one-sided write is a memmove.
func (e *Endpoint) Put(dst Buffer, dstOff uint64, src Buffer, srcOff, n uint64) error {
	d, err := checkSpan(dst, dstOff, n)
	if err != nil {
		return err
	}
	s, err := checkSpan(src, srcOff, n)
	if err != nil {
		return err
	}
	copy(d.p[dstOff:dstOff+n], s.p[srcOff:srcOff+n])
	return nil
}

// Get copies n bytes from src into dst. Symmetric with Put for this backend.
func (e *Endpoint) Get(dst Buffer, dstOff uint64, src Buffer, srcOff, n uint64) error {
	return e.Put(dst, dstOff, src, srcOff, n)
}

// PutWord atomically overwrites the word at off in dst with release
// ordering.
func (e *Endpoint) PutWord(dst Buffer, off uint64, v uint64) error {
	if _, ok := dst.(*hostBuffer); !ok {
		return ErrForeignBuffer
	}
	w, err := WordAt(dst, off)
	if err != nil {
		return err
	}
	w.StoreRelease(v)
	return nil
}

// GetWord atomically reads the word at off in src with acquire ordering.
func (e *Endpoint) GetWord(src Buffer, off uint64) (uint64, error) {
	if _, ok := src.(*hostBuffer); !ok {
		return 0, ErrForeignBuffer
	}
	w, err := WordAt(src, off)
	if err != nil {
		return 0, err
	}
	return w.LoadAcquire(), nil
}

// Exchange publishes the endpoint's entries and rendezvouses with every
// other party of the domain.
func (e *Endpoint) Exchange(tag uint64, entries []ExchangeEntry) error {
	for _, ent := range entries {
		if _, ok := ent.Buf.(*hostBuffer); !ok {
			return ErrForeignBuffer
		}
		if err := e.domain.reg.Publish(tag, ent.Key, ent.Buf); err != nil {
			return err
		}
	}
	e.domain.bar.await()
	return nil
}

// Resolve returns the buffer some party published under (tag, key).
func (e *Endpoint) Resolve(tag, key uint64) (Buffer, error) {
	return e.domain.reg.Resolve(tag, key)
}

// ScheduleFree marks b for destruction at the next Fence on tag.
func (e *Endpoint) ScheduleFree(tag uint64, b Buffer) {
	e.deferred[tag] = append(e.deferred[tag], b)
}

// Fence rendezvouses with every party, then finalizes deferred frees under
// tag. The barrier orders in-flight copies before the frees: no party can
// still be inside a Put targeting a scheduled buffer once all have arrived.
func (e *Endpoint) Fence(tag uint64) error {
	e.domain.bar.await()
	for _, b := range e.deferred[tag] {
		e.domain.reg.Drop(b)
		if err := e.Free(b); err != nil {
			return err
		}
	}
	delete(e.deferred, tag)
	return nil
}

// condBarrier is a cyclic barrier for in-process parties. Generations make
// it reusable: a party arriving for round n+1 cannot release waiters of
// round n early.
type condBarrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	arrived int
	gen     uint64
}

func newCondBarrier(parties int) *condBarrier {
	b := &condBarrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *condBarrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.gen
	b.arrived++
	if b.arrived == b.parties {
		b.arrived = 0
		b.gen++
		b.cond.Broadcast()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
}
