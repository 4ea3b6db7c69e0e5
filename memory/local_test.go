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
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
	"unsafe"
)

func TestAllocateAlignment(t *testing.T) {
	be := NewDomain(1).Endpoint(0)
	for _, size := range []uint64{1, 7, 8, 16, 4096} {
		b, err := be.Allocate(size)
		if err != nil {
			t.Fatalf("allocate %d: %v", size, err)
		}
		if b.Size() != size {
			t.Fatalf("allocate %d: got size %d", size, b.Size())
		}
		p := b.Bytes()
		if uintptr(unsafe.Pointer(&p[0]))%8 != 0 {
			t.Fatalf("allocate %d: backing store not word aligned", size)
		}
	}
}

func TestPutGetBounds(t *testing.T) {
	be := NewDomain(1).Endpoint(0)
	dst, _ := be.Allocate(16)
	src, err := be.Register([]byte("0123456789abcdef0123"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := be.Put(dst, 4, src, 2, 8); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !bytes.Equal(dst.Bytes()[4:12], []byte("23456789")) {
		t.Fatalf("put wrote wrong bytes: %q", dst.Bytes())
	}

	if err := be.Put(dst, 12, src, 0, 8); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for overlong put, got: %v", err)
	}
	if err := be.Get(dst, 0, src, 16, 8); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for overlong get, got: %v", err)
	}
}

func TestWordOps(t *testing.T) {
	be := NewDomain(1).Endpoint(0)
	b, _ := be.Allocate(16)

	if err := be.PutWord(b, 8, 0xFEEDFACE); err != nil {
		t.Fatalf("put word: %v", err)
	}
	v, err := be.GetWord(b, 8)
	if err != nil {
		t.Fatalf("get word: %v", err)
	}
	if v != 0xFEEDFACE {
		t.Fatalf("word round trip: got %#x", v)
	}

	if err := be.PutWord(b, 12, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for out-of-range word, got: %v", err)
	}
	if err := be.PutWord(b, 3, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for misaligned word, got: %v", err)
	}
}

func TestExchangeResolve(t *testing.T) {
	dom := NewDomain(2)
	const tag = 3

	done := make(chan error, 1)
	go func() {
		be := dom.Endpoint(1)
		b, err := be.Allocate(8)
		if err != nil {
			done <- err
			return
		}
		copy(b.Bytes(), "party-1!")
		if err := be.Exchange(tag, []ExchangeEntry{{Key: 10, Buf: b}}); err != nil {
			done <- err
			return
		}
		// Resolve the peer's buffer to prove visibility both ways.
		peer, err := be.Resolve(tag, 20)
		if err != nil {
			done <- err
			return
		}
		if string(peer.Bytes()) != "party-0!" {
			done <- errors.New("party 1 resolved wrong buffer")
			return
		}
		done <- nil
	}()

	be := dom.Endpoint(0)
	b, err := be.Allocate(8)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	copy(b.Bytes(), "party-0!")
	if err := be.Exchange(tag, []ExchangeEntry{{Key: 20, Buf: b}}); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	peer, err := be.Resolve(tag, 10)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if string(peer.Bytes()) != "party-1!" {
		t.Fatalf("resolved wrong buffer: %q", peer.Bytes())
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("party 1 failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for party 1")
	}

	if _, err := be.Resolve(tag, 99); !errors.Is(err, ErrNotExchanged) {
		t.Fatalf("expected ErrNotExchanged, got: %v", err)
	}
}

func TestExchangeDuplicateKey(t *testing.T) {
	be := NewDomain(1).Endpoint(0)
	a, _ := be.Allocate(8)
	b, _ := be.Allocate(8)

	if err := be.Exchange(5, []ExchangeEntry{{Key: 1, Buf: a}}); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if err := be.Exchange(5, []ExchangeEntry{{Key: 1, Buf: b}}); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got: %v", err)
	}
}

func TestFenceDeferredFree(t *testing.T) {
	dom := NewDomain(2)
	const tag = 8

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		be := dom.Endpoint(1)
		be.Exchange(tag, nil)
		be.Fence(tag)
	}()

	be := dom.Endpoint(0)
	b, err := be.Allocate(32)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := be.Exchange(tag, []ExchangeEntry{{Key: 1, Buf: b}}); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// Scheduling does not free: the buffer stays usable until the fence.
	be.ScheduleFree(tag, b)
	if b.Bytes() == nil {
		t.Fatalf("buffer freed before fence")
	}
	if err := be.Fence(tag); err != nil {
		t.Fatalf("fence: %v", err)
	}
	if b.Bytes() != nil {
		t.Fatalf("buffer still mapped after fence")
	}
	if _, err := be.Resolve(tag, 1); !errors.Is(err, ErrNotExchanged) {
		t.Fatalf("freed buffer still resolvable: %v", err)
	}
	wg.Wait()
}

func TestForeignBuffer(t *testing.T) {
	be := NewDomain(1).Endpoint(0)
	dst, _ := be.Allocate(8)

	if err := be.Put(dst, 0, foreign{}, 0, 4); !errors.Is(err, ErrForeignBuffer) {
		t.Fatalf("expected ErrForeignBuffer, got: %v", err)
	}
	if _, err := be.GetWord(foreign{}, 0); !errors.Is(err, ErrForeignBuffer) {
		t.Fatalf("expected ErrForeignBuffer, got: %v", err)
	}
}

type foreign struct{}

func (foreign) Size() uint64  { return 64 }
func (foreign) Bytes() []byte { return nil }
