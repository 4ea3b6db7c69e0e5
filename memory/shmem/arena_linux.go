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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"code.hybscloud.com/spin"
	"golang.org/x/sys/unix"

	"github.com/Algebraic-Programming/onesided/memory"
)

// Arena is one participant's attachment to a shared memory arena. It
// implements memory.Backend; every participant process holds its own Arena
// over the same file.
type Arena struct {
	file     *os.File
	mem      []byte
	path     string
	creator  bool
	deferred map[uint64][]memory.Buffer
}

// Options configures arena creation.
type Options struct {
	// Size is the total arena size in bytes (header + directory + data).
	Size uint64
	// Parties is the number of participants expected to attach,
	// including the creator.
	Parties int
	// DirSlots is the exchange directory capacity. Zero selects
	// DefaultDirSlots.
	DirSlots uint64
}

// Create builds a new arena file and attaches the calling process as its
// first participant. The file is created exclusively so two creators with
// the same name fail fast instead of corrupting each other.
func Create(name string, opts Options) (*Arena, error) {
	if opts.Parties < 1 {
		return nil, fmt.Errorf("arena %q: parties must be >= 1", name)
	}
	dirSlots := opts.DirSlots
	if dirSlots == 0 {
		dirSlots = DefaultDirSlots
	}
	dirOff, dataOff, err := Layout(opts.Size, dirSlots)
	if err != nil {
		return nil, fmt.Errorf("arena %q: %w", name, err)
	}

	path := arenaPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create arena file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(opts.Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize arena file: %w", err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(opts.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap arena: %w", err)
	}

	a := &Arena{
		file:     file,
		mem:      mem,
		path:     path,
		creator:  true,
		deferred: make(map[uint64][]memory.Buffer),
	}
	h := a.header()
	copy(h.magic[:], ArenaMagic)
	h.version = ArenaVersion
	h.parties = uint32(opts.Parties)
	h.totalSize = opts.Size
	h.dirOff = dirOff
	h.dirSlots = dirSlots
	h.dataOff = dataOff
	h.allocNext.StoreRelaxed(dataOff)
	h.dirCount.StoreRelaxed(0)
	h.barArrived.StoreRelaxed(0)
	h.barSeq.StoreRelaxed(0)
	// Publish the header before other participants can observe attached>0.
	h.attached.StoreRelease(1)
	return a, nil
}

// Attach maps an existing arena created by another process. Attach polls
// until the creator has finished initializing, so participants can start in
// any order: a file that is missing, not yet truncated to its final size,
// or not yet carrying the creator's release-stored ready mark counts as not
// ready and is retried until ctx expires. The header is validated before
// the participant is counted as attached.
func Attach(ctx context.Context, name string) (*Arena, error) {
	path := arenaPath(name)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		a, ready, err := tryAttach(path)
		if err != nil {
			return nil, err
		}
		if ready {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// tryAttach makes one attach attempt. ready=false with a nil error means
// the creator has not finished initializing the arena yet.
func tryAttach(path string) (*Arena, bool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to open arena file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("failed to stat arena file: %w", err)
	}
	size := uint64(info.Size())
	if size < MinArenaSize {
		// Created but not yet truncated to its final size.
		file.Close()
		return nil, false, nil
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, false, fmt.Errorf("failed to mmap arena: %w", err)
	}

	a := &Arena{
		file:     file,
		mem:      mem,
		path:     path,
		deferred: make(map[uint64][]memory.Buffer),
	}
	h := a.header()
	// The creator's last initialization store is the release on attached;
	// until it lands the header contents are undefined.
	if h.attached.LoadAcquire() == 0 {
		a.Close()
		return nil, false, nil
	}
	if err := validateHeader(h, size); err != nil {
		a.Close()
		return nil, false, fmt.Errorf("arena %s: %w", path, err)
	}
	if h.closed.LoadAcquire() != 0 {
		a.Close()
		return nil, false, fmt.Errorf("arena %s: already closed by its creator", path)
	}
	if n := h.attached.AddAcqRel(1); n > int32(h.parties) {
		// Surplus participant: back out before the barrier arithmetic
		// ever counts it.
		h.attached.AddAcqRel(-1)
		parties := h.parties
		a.Close()
		return nil, false, fmt.Errorf("arena %s: all %d parties already attached", path, parties)
	}
	return a, true, nil
}

// WaitForParties blocks until every expected participant has attached, or
// ctx expires. The creator calls this before the first collective so that
// barrier arithmetic sees the full party count.
func (a *Arena) WaitForParties(ctx context.Context) error {
	h := a.header()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if h.attached.LoadAcquire() >= int32(h.parties) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Parties returns the expected participant count.
func (a *Arena) Parties() int { return int(a.header().parties) }

// Path returns the backing file path.
func (a *Arena) Path() string { return a.path }

func (a *Arena) header() *arenaHeader {
	return (*arenaHeader)(unsafe.Pointer(&a.mem[0]))
}

func (a *Arena) dirEntry(i uint64) *dirEntry {
	h := a.header()
	off := h.dirOff + i*DirEntrySize
	return (*dirEntry)(unsafe.Pointer(&a.mem[off]))
}

// arenaBuffer names a span of the arena's data area. The handle is valid in
// every participant because offsets, not pointers, cross the boundary.
type arenaBuffer struct {
	arena *Arena
	off   uint64
	size  uint64
}

func (b *arenaBuffer) Size() uint64 { return b.size }

func (b *arenaBuffer) Bytes() []byte {
	return b.arena.mem[b.off : b.off+b.size]
}

// Allocate bumps the shared allocation pointer. Arena storage is reclaimed
// only when the arena itself is destroyed; Free retires handles without
// returning bytes to the allocator.
func (a *Arena) Allocate(size uint64) (memory.Buffer, error) {
	h := a.header()
	granule := alignTo64(size)
	if granule == 0 {
		granule = 64
	}
	sw := spin.Wait{}
	for {
		cur := h.allocNext.LoadAcquire()
		if cur+granule > h.totalSize {
			return nil, fmt.Errorf("arena %s: %d bytes requested, %d free: %w",
				a.path, size, h.totalSize-cur, memory.ErrOutOfMemory)
		}
		if h.allocNext.CompareAndSwapAcqRel(cur, cur+granule) {
			return &arenaBuffer{arena: a, off: cur, size: size}, nil
		}
		// Another participant won the bump, retry with a fresh pointer.
		sw.Once()
	}
}

// Register is not supported: arena buffers must live inside the mapped
// region or remote participants could not address them.
func (a *Arena) Register(p []byte) (memory.Buffer, error) {
	return nil, fmt.Errorf("shmem: register external memory: %w", memory.ErrUnsupported)
}

// Free retires a buffer handle. See Allocate for the reclamation model.
func (a *Arena) Free(b memory.Buffer) error {
	ab, ok := b.(*arenaBuffer)
	if !ok || ab.arena != a {
		return memory.ErrForeignBuffer
	}
	ab.size = 0
	return nil
}

func (a *Arena) span(b memory.Buffer, off, n uint64) (uint64, error) {
	ab, ok := b.(*arenaBuffer)
	if !ok || ab.arena != a {
		return 0, memory.ErrForeignBuffer
	}
	if off+n > ab.size {
		return 0, fmt.Errorf("span [%d,%d) in %d-byte buffer: %w", off, off+n, ab.size, memory.ErrOutOfRange)
	}
	return ab.off + off, nil
}

// Put stores n bytes of src into dst. Both participants map the arena, so
// the store is immediately addressable remotely; visibility ordering comes
// from the fence barrier.
func (a *Arena) Put(dst memory.Buffer, dstOff uint64, src memory.Buffer, srcOff, n uint64) error {
	d, err := a.span(dst, dstOff, n)
	if err != nil {
		return err
	}
	s, err := a.span(src, srcOff, n)
	if err != nil {
		return err
	}
	copy(a.mem[d:d+n], a.mem[s:s+n])
	return nil
}

// Get reads n bytes of src into dst. Symmetric with Put on this substrate.
func (a *Arena) Get(dst memory.Buffer, dstOff uint64, src memory.Buffer, srcOff, n uint64) error {
	return a.Put(dst, dstOff, src, srcOff, n)
}

// PutWord atomically overwrites the word at off in dst with release
// ordering. The release edge is what lets a counter advance publish the
// payload bytes stored before it.
func (a *Arena) PutWord(dst memory.Buffer, off uint64, v uint64) error {
	ab, ok := dst.(*arenaBuffer)
	if !ok || ab.arena != a {
		return memory.ErrForeignBuffer
	}
	w, err := memory.WordAt(dst, off)
	if err != nil {
		return err
	}
	w.StoreRelease(v)
	return nil
}

// GetWord atomically reads the word at off in src with acquire ordering.
func (a *Arena) GetWord(src memory.Buffer, off uint64) (uint64, error) {
	ab, ok := src.(*arenaBuffer)
	if !ok || ab.arena != a {
		return 0, memory.ErrForeignBuffer
	}
	w, err := memory.WordAt(src, off)
	if err != nil {
		return 0, err
	}
	return w.LoadAcquire(), nil
}

// Exchange publishes entries into the shared directory, then joins the
// arena barrier so no participant resolves before all have contributed.
func (a *Arena) Exchange(tag uint64, entries []memory.ExchangeEntry) error {
	h := a.header()
	for _, ent := range entries {
		ab, ok := ent.Buf.(*arenaBuffer)
		if !ok || ab.arena != a {
			return memory.ErrForeignBuffer
		}
		if _, err := a.Resolve(tag, ent.Key); err == nil {
			return fmt.Errorf("tag %d key %d: %w", tag, ent.Key, memory.ErrDuplicateKey)
		}
		var idx uint64
		sw := spin.Wait{}
		for {
			cur := uint64(h.dirCount.LoadAcquire())
			if cur >= h.dirSlots {
				return fmt.Errorf("arena %s: exchange directory full (%d slots)", a.path, h.dirSlots)
			}
			if h.dirCount.CompareAndSwapAcqRel(cur, cur+1) {
				idx = cur
				break
			}
			sw.Once()
		}
		e := a.dirEntry(idx)
		e.tag = tag
		e.key = ent.Key
		e.off = ab.off
		e.size = ab.size
		e.state.StoreRelease(dirSlotPublished)
	}
	a.barrier()
	return nil
}

// Resolve scans the directory for the buffer published under (tag, key).
func (a *Arena) Resolve(tag, key uint64) (memory.Buffer, error) {
	h := a.header()
	count := uint64(h.dirCount.LoadAcquire())
	if count > h.dirSlots {
		count = h.dirSlots
	}
	for i := uint64(0); i < count; i++ {
		e := a.dirEntry(i)
		if e.state.LoadAcquire() != dirSlotPublished {
			continue
		}
		if e.tag == tag && e.key == key {
			return &arenaBuffer{arena: a, off: e.off, size: e.size}, nil
		}
	}
	return nil, fmt.Errorf("tag %d key %d: %w", tag, key, memory.ErrNotExchanged)
}

// ScheduleFree marks b for destruction at the next Fence on tag.
func (a *Arena) ScheduleFree(tag uint64, b memory.Buffer) {
	a.deferred[tag] = append(a.deferred[tag], b)
}

// Fence joins the arena barrier, then finalizes deferred destructions under
// tag. The barrier's release/acquire edge is the durability point: stores
// issued before any participant's Fence are visible to all after it.
func (a *Arena) Fence(tag uint64) error {
	a.barrier()
	for _, b := range a.deferred[tag] {
		ab, ok := b.(*arenaBuffer)
		if !ok || ab.arena != a {
			return memory.ErrForeignBuffer
		}
		a.retireDirEntries(ab.off)
		if err := a.Free(b); err != nil {
			return err
		}
	}
	delete(a.deferred, tag)
	return nil
}

// retireDirEntries tombstones directory slots naming a freed buffer so
// stale (tag, key) pairs stop resolving.
func (a *Arena) retireDirEntries(off uint64) {
	h := a.header()
	count := uint64(h.dirCount.LoadAcquire())
	if count > h.dirSlots {
		count = h.dirSlots
	}
	for i := uint64(0); i < count; i++ {
		e := a.dirEntry(i)
		if e.state.LoadAcquire() == dirSlotPublished && e.off == off {
			e.state.StoreRelease(dirSlotRetired)
		}
	}
}

// barrier is a sense-reversing barrier over the arena header. The last
// participant to arrive flips the generation and wakes the rest via futex.
func (a *Arena) barrier() {
	h := a.header()
	parties := int32(h.parties)
	gen := h.barSeq.LoadAcquire()
	if h.barArrived.AddAcqRel(1) == parties {
		h.barArrived.StoreRelaxed(0)
		h.barSeq.AddAcqRel(1)
		futexWakeAll(a.barSeqWord())
		return
	}
	for h.barSeq.LoadAcquire() == gen {
		futexWait(a.barSeqWord(), uint32(gen))
	}
}

func (a *Arena) barSeqWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&a.header().barSeq))
}

// Close unmaps the arena and closes the file. The creator also unlinks the
// backing file; late Attach calls then fail instead of mapping a dead
// arena.
func (a *Arena) Close() error {
	var firstErr error
	if a.creator && a.mem != nil {
		a.header().closed.StoreRelease(1)
	}
	if a.mem != nil {
		if err := unix.Munmap(a.mem); err != nil && firstErr == nil {
			firstErr = err
		}
		a.mem = nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.file = nil
	}
	if a.creator {
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Unlink removes an arena file left behind by a crashed participant.
func Unlink(name string) error {
	err := os.Remove(arenaPath(name))
	if err != nil && os.IsNotExist(err) {
		return os.ErrNotExist
	}
	return err
}

// arenaPath prefers /dev/shm (RAM-backed) and falls back to the system
// temp directory.
func arenaPath(name string) string {
	base := "onesided-" + name
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", base)
	}
	return filepath.Join(os.TempDir(), base)
}
