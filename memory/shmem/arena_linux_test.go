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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Algebraic-Programming/onesided/channel"
	"github.com/Algebraic-Programming/onesided/memory"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestArenaCreateAttach(t *testing.T) {
	name := uniqueName(t)
	creator, err := Create(name, Options{Size: 1 << 20, Parties: 2, DirSlots: 64})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer creator.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	attached, err := Attach(ctx, name)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	defer attached.Close()

	if err := creator.WaitForParties(ctx); err != nil {
		t.Fatalf("WaitForParties failed: %v", err)
	}
	if creator.Parties() != 2 || attached.Parties() != 2 {
		t.Fatalf("party count mismatch: %d vs %d", creator.Parties(), attached.Parties())
	}

	// A second creator with the same name must fail, not corrupt.
	if _, err := Create(name, Options{Size: 1 << 20, Parties: 2}); err == nil {
		t.Fatalf("duplicate Create should fail")
	}
}

func TestArenaAttachTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := Attach(ctx, uniqueName(t))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got: %v", err)
	}
}

// TestArenaAttachWaitsForInit covers the window between the creator opening
// the arena file and finishing header initialization: an attacher landing in
// that window must keep polling, not fail on the half-built file.
func TestArenaAttachWaitsForInit(t *testing.T) {
	name := uniqueName(t)
	path := arenaPath(name)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create raw file: %v", err)
	}
	f.Close()
	defer os.Remove(path)

	// Zero-length file: exists but not yet truncated to its final size.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = Attach(ctx, name)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("attach on empty file: want deadline exceeded, got: %v", err)
	}

	// Full-size file with no header stores yet.
	if err := os.Truncate(path, 1<<20); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = Attach(ctx, name)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("attach on uninitialized arena: want deadline exceeded, got: %v", err)
	}

	// A waiting attacher proceeds once initialization completes.
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a, err := Attach(ctx, name)
		if err != nil {
			done <- err
			return
		}
		done <- a.Close()
	}()
	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove raw file: %v", err)
	}
	a, err := Create(name, Options{Size: 1 << 20, Parties: 2, DirSlots: 8})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("attacher failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for attacher")
	}
}

// TestArenaAttachPartyLimit rejects attachers beyond the configured party
// count so the barrier arithmetic never sees a surplus participant.
func TestArenaAttachPartyLimit(t *testing.T) {
	name := uniqueName(t)
	a, err := Create(name, Options{Size: 64 << 10, Parties: 1, DirSlots: 8})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Attach(ctx, name)
	if err == nil {
		t.Fatalf("attach beyond party count should fail")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("surplus attach should be rejected, not time out: %v", err)
	}
	if got := a.header().attached.LoadAcquire(); got != 1 {
		t.Fatalf("rejected attach changed attached count: %d", got)
	}
}

func TestArenaAllocate(t *testing.T) {
	a, err := Create(uniqueName(t), Options{Size: 64 << 10, Parties: 1, DirSlots: 8})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	b1, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	b2, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if b1.Size() != 100 || b2.Size() != 100 {
		t.Fatalf("allocation sizes wrong: %d, %d", b1.Size(), b2.Size())
	}
	p1, p2 := b1.Bytes(), b2.Bytes()
	if &p1[0] == &p2[0] {
		t.Fatalf("allocations overlap")
	}

	if _, err := a.Allocate(1 << 20); !errors.Is(err, memory.ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got: %v", err)
	}
	if _, err := a.Register(make([]byte, 8)); !errors.Is(err, memory.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported from Register, got: %v", err)
	}
}

func TestArenaPutGetWords(t *testing.T) {
	a, err := Create(uniqueName(t), Options{Size: 64 << 10, Parties: 1, DirSlots: 8})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()

	src, _ := a.Allocate(32)
	dst, _ := a.Allocate(32)
	copy(src.Bytes(), "one-sided into the arena!!!!")

	if err := a.Put(dst, 0, src, 0, 28); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !bytes.Equal(dst.Bytes()[:28], src.Bytes()[:28]) {
		t.Fatalf("put copied wrong bytes")
	}
	if err := a.Put(dst, 30, src, 0, 8); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange, got: %v", err)
	}

	if err := a.PutWord(dst, 8, 0xC0FFEE); err != nil {
		t.Fatalf("put word: %v", err)
	}
	v, err := a.GetWord(dst, 8)
	if err != nil {
		t.Fatalf("get word: %v", err)
	}
	if v != 0xC0FFEE {
		t.Fatalf("word round trip: %#x", v)
	}
}

func TestArenaExchangeResolveFence(t *testing.T) {
	name := uniqueName(t)
	const tag = 4

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a, err := Attach(ctx, name)
		if err != nil {
			done <- err
			return
		}
		defer a.Close()
		b, err := a.Allocate(64)
		if err != nil {
			done <- err
			return
		}
		copy(b.Bytes(), "attacher")
		if err := a.Exchange(tag, []memory.ExchangeEntry{{Key: 2, Buf: b}}); err != nil {
			done <- err
			return
		}
		peer, err := a.Resolve(tag, 1)
		if err != nil {
			done <- err
			return
		}
		if string(peer.Bytes()[:7]) != "creator" {
			done <- errors.New("attacher resolved wrong buffer")
			return
		}
		done <- a.Fence(tag)
	}()

	a, err := Create(name, Options{Size: 1 << 20, Parties: 2, DirSlots: 64})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()
	b, err := a.Allocate(64)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(b.Bytes(), "creator")
	if err := a.Exchange(tag, []memory.ExchangeEntry{{Key: 1, Buf: b}}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	peer, err := a.Resolve(tag, 2)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(peer.Bytes()[:8]) != "attacher" {
		t.Fatalf("resolved wrong buffer: %q", peer.Bytes()[:8])
	}

	a.ScheduleFree(tag, b)
	if err := a.Fence(tag); err != nil {
		t.Fatalf("fence: %v", err)
	}
	if _, err := a.Resolve(tag, 1); !errors.Is(err, memory.ErrNotExchanged) {
		t.Fatalf("retired entry still resolves: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("attacher failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for attacher")
	}
}

// TestArenaExchangeDirectoryFull fills the exchange directory and checks
// that a failed publish does not consume a slot index.
func TestArenaExchangeDirectoryFull(t *testing.T) {
	const tag = 7
	a, err := Create(uniqueName(t), Options{Size: 64 << 10, Parties: 1, DirSlots: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()
	b, err := a.Allocate(8)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if err := a.Exchange(tag, []memory.ExchangeEntry{{Key: 1, Buf: b}, {Key: 2, Buf: b}}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := a.Exchange(tag, []memory.ExchangeEntry{{Key: 3, Buf: b}}); err == nil {
		t.Fatalf("exchange on full directory should fail")
	}
	if got := uint64(a.header().dirCount.LoadAcquire()); got != 2 {
		t.Fatalf("failed publish claimed a directory slot: count %d", got)
	}
	// The failure leaves already-published entries intact.
	if _, err := a.Resolve(tag, 2); err != nil {
		t.Fatalf("resolve after full directory: %v", err)
	}
}

// TestArenaChannel runs the full channel bootstrap and a message exchange
// over the arena backend, creator as consumer and attacher as producer.
func TestArenaChannel(t *testing.T) {
	name := uniqueName(t)
	cfg := channel.Config{PayloadCapacity: 128, TokenCapacity: 8}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a, err := Attach(ctx, name)
		if err != nil {
			done <- err
			return
		}
		defer a.Close()
		producer, err := channel.SetupProducer(a, cfg, 1, 0)
		if err != nil {
			done <- err
			return
		}
		msg, err := a.Allocate(16)
		if err != nil {
			done <- err
			return
		}
		copy(msg.Bytes(), "across the arena")
		done <- producer.PushContext(ctx, msg)
	}()

	a, err := Create(name, Options{Size: 1 << 20, Parties: 2, DirSlots: 64})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer a.Close()
	consumer, err := channel.SetupConsumer(a, cfg, 1, 1)
	if err != nil {
		t.Fatalf("SetupConsumer failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tok, err := consumer.PeekContext(ctx)
	if err != nil {
		t.Fatalf("PeekContext failed: %v", err)
	}
	if tok.Length != 16 {
		t.Fatalf("unexpected token: %+v", tok)
	}
	dst := make([]byte, 16)
	if _, err := consumer.Read(dst); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(dst) != "across the arena" {
		t.Fatalf("payload mismatch: %q", dst)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("producer failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for producer")
	}
}
