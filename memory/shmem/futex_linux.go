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

//go:build linux

package shmem

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The arena barrier word is shared across processes, so the futex ops must
// not use the PRIVATE flag.
const (
	futexOpWait = 0 // FUTEX_WAIT
	futexOpWake = 1 // FUTEX_WAKE
)

// futexWait parks the caller until the word at addr changes from val or a
// wake arrives. The value is re-checked before the syscall to close the
// lost-wake window between the caller's snapshot and futex entry. Spurious
// returns are expected; callers loop on their logical condition.
func futexWait(addr *uint32, val uint32) {
	if atomic.LoadUint32(addr) != val {
		return
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWait,
		uintptr(val),
		0, 0, 0,
	)
	// EAGAIN (value already changed) and EINTR are normal outcomes; the
	// caller's condition loop absorbs everything else too.
	_ = errno
}

// futexWakeAll wakes every waiter parked on addr.
func futexWakeAll(addr *uint32) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexOpWake,
		uintptr(^uint32(0)>>1), // INT_MAX waiters
		0, 0, 0,
	)
}
