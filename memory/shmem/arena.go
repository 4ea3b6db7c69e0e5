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

// Package shmem implements the one-sided memory backend over a POSIX shared
// memory arena. One participant creates the arena file, the others attach;
// every participant maps the same region, so a one-sided put is a store
// into the mapping and the fence is a futex barrier inside the arena header.
//
// Arena layout:
//
//	ArenaHeader (128 bytes, validated magic/version)
//	directory   (fixed slot table publishing exchanged buffers)
//	data area   (bump-allocated, 64-byte aligned buffers)
package shmem

import (
	"fmt"

	"code.hybscloud.com/atomix"
)

const (
	// ArenaMagic identifies an arena file.
	ArenaMagic = "ONESIDED"

	// ArenaVersion is the current layout version.
	ArenaVersion = uint32(1)

	// ArenaHeaderSize is the fixed header size, 128-byte aligned.
	ArenaHeaderSize = 128

	// DirEntrySize is the size of one directory slot (cache-line sized).
	DirEntrySize = 64

	// DefaultDirSlots is the default number of exchange directory slots.
	DefaultDirSlots = 1024

	// MinArenaSize is the smallest usable arena (header + directory + one
	// allocation granule).
	MinArenaSize = 4096
)

// arenaHeader is the shared header overlaid on the start of the mapping.
// Field order matches the on-disk layout; every mutable word is accessed
// through atomics because all participants share the mapping.
type arenaHeader struct {
	magic      [8]byte       // 0x00: "ONESIDED"
	version    uint32        // 0x08
	parties    uint32        // 0x0C: expected participant count
	totalSize  uint64        // 0x10: mapped size in bytes
	dirOff     uint64        // 0x18: directory offset
	dirSlots   uint64        // 0x20: directory slot count
	dataOff    uint64        // 0x28: first allocatable offset
	allocNext  atomix.Uint64 // 0x30: bump pointer (FAA)
	dirCount   atomix.Uint64 // 0x38: claimed directory slots (FAA)
	attached   atomix.Int32  // 0x40: attached participant count
	barArrived atomix.Int32  // 0x44: barrier arrival count
	barSeq     atomix.Int32  // 0x48: barrier generation, futex word
	closed     atomix.Int32  // 0x4C: creator marked the arena closed
	reserved   [48]byte      // 0x50-0x7F
}

// Directory slot states.
const (
	dirSlotFree      = int32(0)
	dirSlotPublished = int32(1)
	dirSlotRetired   = int32(2)
)

// dirEntry is one published (tag, key) -> (offset, size) binding.
type dirEntry struct {
	state    atomix.Int32 // publish/retire flag, release-stored last
	_        uint32
	tag      uint64
	key      uint64
	off      uint64
	size     uint64
	reserved [24]byte
}

// Layout computes the directory and data offsets for an arena of the given
// total size. The data area must be non-empty.
func Layout(totalSize, dirSlots uint64) (dirOff, dataOff uint64, err error) {
	if totalSize < MinArenaSize {
		return 0, 0, fmt.Errorf("arena size %d below minimum %d", totalSize, MinArenaSize)
	}
	if dirSlots == 0 {
		return 0, 0, fmt.Errorf("arena needs at least one directory slot")
	}
	dirOff = alignTo64(ArenaHeaderSize)
	dataOff = alignTo64(dirOff + dirSlots*DirEntrySize)
	if dataOff >= totalSize {
		return 0, 0, fmt.Errorf("arena size %d leaves no data area after %d directory slots", totalSize, dirSlots)
	}
	return dirOff, dataOff, nil
}

func alignTo64(n uint64) uint64 {
	return (n + 63) &^ 63
}

// validateHeader checks an attached arena's header for consistency before
// any participant trusts its offsets.
func validateHeader(h *arenaHeader, mappedSize uint64) error {
	var magic [8]byte
	copy(magic[:], ArenaMagic)
	if h.magic != magic {
		return fmt.Errorf("invalid arena magic")
	}
	if h.version != ArenaVersion {
		return fmt.Errorf("unsupported arena version %d, expected %d", h.version, ArenaVersion)
	}
	if h.totalSize != mappedSize {
		return fmt.Errorf("arena size mismatch: header %d, file %d", h.totalSize, mappedSize)
	}
	dirOff, dataOff, err := Layout(h.totalSize, h.dirSlots)
	if err != nil {
		return err
	}
	if h.dirOff != dirOff {
		return fmt.Errorf("directory offset mismatch: got %d, expected %d", h.dirOff, dirOff)
	}
	if h.dataOff != dataOff {
		return fmt.Errorf("data offset mismatch: got %d, expected %d", h.dataOff, dataOff)
	}
	if h.parties == 0 {
		return fmt.Errorf("arena declares zero parties")
	}
	return nil
}
