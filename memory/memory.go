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

// Package memory defines the one-sided communication substrate consumed by
// the channel protocol: buffer allocation and registration, one-sided
// put/get between buffer handles, and the collective exchange/fence pair
// used to bootstrap remote buffer identities and order remote writes.
//
// Two backends ship with this module: an in-process Domain whose endpoints
// are goroutines sharing one address space, and the shared-memory arena in
// package shmem whose endpoints are separate processes mapping one segment.
// Any substrate implementing Backend (RDMA verbs, MPI one-sided, ...) can
// carry the channel protocol unchanged.
package memory

import "errors"

var (
	// ErrOutOfMemory indicates the backend cannot satisfy an allocation.
	ErrOutOfMemory = errors.New("memory: out of memory")

	// ErrOutOfRange indicates a put/get span exceeds a buffer's bounds.
	ErrOutOfRange = errors.New("memory: offset/length out of buffer range")

	// ErrForeignBuffer indicates a buffer handle belongs to a different
	// backend instance than the one asked to operate on it.
	ErrForeignBuffer = errors.New("memory: buffer belongs to another backend")

	// ErrNotExchanged indicates Resolve was called for a (tag, key) pair
	// that no participant published under a completed exchange.
	ErrNotExchanged = errors.New("memory: no buffer exchanged under tag/key")

	// ErrDuplicateKey indicates two participants published the same
	// (tag, key) pair in one exchange.
	ErrDuplicateKey = errors.New("memory: duplicate exchange key")

	// ErrUnsupported indicates a transfer direction or operation the
	// backend does not implement. Backends must return this explicitly,
	// never silently no-op.
	ErrUnsupported = errors.New("memory: operation not supported by backend")
)

// Buffer is an opaque handle to a registered memory region.
//
// Bytes returns the local mapping when the buffer is accessible from the
// calling endpoint's address space, or nil for handles that only name
// remote memory. Callers must not assume a non-nil mapping for buffers
// resolved from an exchange; all remote access goes through Put and Get.
type Buffer interface {
	Size() uint64
	Bytes() []byte
}

// ExchangeEntry pairs a participant-chosen key with a local buffer to be
// published during a collective exchange. Keys are global to the tag: after
// the exchange, any participant resolves the buffer by (tag, key).
type ExchangeEntry struct {
	Key uint64
	Buf Buffer
}

// Backend is the capability set a one-sided communication substrate must
// provide. Put, Get, Allocate, Register, Free and Resolve are one-sided and
// may be called by any endpoint independently. Exchange and Fence are
// collective: every participant of the backend instance must make the
// matching call with the same tag, or the collective deadlocks (a tag
// mismatch is not locally detectable).
type Backend interface {
	// Allocate reserves size bytes owned by the calling endpoint.
	Allocate(size uint64) (Buffer, error)

	// Register wraps caller-owned memory as a buffer without copying.
	// Backends whose buffers must live inside a managed region return
	// ErrUnsupported.
	Register(p []byte) (Buffer, error)

	// Free releases a buffer immediately. Use ScheduleFree plus Fence when
	// remote endpoints may still have one-sided operations in flight.
	Free(b Buffer) error

	// Put copies n bytes from src at srcOff into dst at dstOff as a
	// one-sided write: the endpoint owning dst does not participate.
	Put(dst Buffer, dstOff uint64, src Buffer, srcOff, n uint64) error

	// Get copies n bytes from src at srcOff into dst at dstOff as a
	// one-sided read of src.
	Get(dst Buffer, dstOff uint64, src Buffer, srcOff, n uint64) error

	// PutWord atomically overwrites the 8-byte word at off in dst with
	// release ordering: writes issued before PutWord are visible to any
	// endpoint that observes the new word with GetWord. off must be
	// 8-byte aligned.
	PutWord(dst Buffer, off uint64, v uint64) error

	// GetWord atomically reads the 8-byte word at off in src with
	// acquire ordering. off must be 8-byte aligned.
	GetWord(src Buffer, off uint64) (uint64, error)

	// Exchange publishes zero or more (key, buffer) pairs under tag and
	// completes once every participant has contributed. Collective.
	Exchange(tag uint64, entries []ExchangeEntry) error

	// Resolve returns the buffer some participant published under
	// (tag, key) in a completed exchange.
	Resolve(tag, key uint64) (Buffer, error)

	// ScheduleFree marks a buffer for destruction at the next Fence on
	// tag. Freeing earlier than that fence is a use-after-free hazard when
	// remote writes may still target the buffer.
	ScheduleFree(tag uint64, b Buffer)

	// Fence blocks until every participant reaches the matching call,
	// guarantees all one-sided writes issued before it are visible, and
	// destroys buffers scheduled for removal under tag. Collective.
	Fence(tag uint64) error
}
