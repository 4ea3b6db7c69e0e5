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
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Algebraic-Programming/onesided/memory"
)

func wireFixed(t *testing.T, cfg FixedConfig) (*FixedProducer, *FixedConsumer, memory.Backend) {
	t.Helper()
	be := memory.NewDomain(1).Endpoint(0)

	alloc := func(n uint64) memory.Buffer {
		b, err := be.Allocate(n)
		if err != nil {
			t.Fatalf("allocate %d bytes: %v", n, err)
		}
		return b
	}
	data := alloc(cfg.ElementSize * cfg.Capacity)
	consCoord := alloc(CoordinationBufferSize)
	prodCoord := alloc(CoordinationBufferSize)
	for _, b := range []memory.Buffer{consCoord, prodCoord} {
		if err := InitializeCoordinationBuffer(b); err != nil {
			t.Fatalf("initialize coordination buffer: %v", err)
		}
	}
	producer, err := NewFixedProducer(be, cfg, FixedEndpointBuffers{
		Data: data, LocalCoord: prodCoord, RemoteCoord: consCoord,
	})
	if err != nil {
		t.Fatalf("NewFixedProducer failed: %v", err)
	}
	consumer, err := NewFixedConsumer(be, cfg, FixedEndpointBuffers{
		Data: data, LocalCoord: consCoord, RemoteCoord: prodCoord,
	})
	if err != nil {
		t.Fatalf("NewFixedConsumer failed: %v", err)
	}
	return producer, consumer, be
}

func TestFixedPushPeekPop(t *testing.T) {
	producer, consumer, be := wireFixed(t, FixedConfig{ElementSize: 8, Capacity: 4})

	elem := make([]byte, 8)
	binary.LittleEndian.PutUint64(elem, 0xDEADBEEF)
	if err := producer.Push(registerBytes(t, be, elem)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	consumer.UpdateDepth()
	tok, err := consumer.Peek()
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if tok.Offset != 0 || tok.Length != 8 {
		t.Fatalf("unexpected token: %+v", tok)
	}
	dst := make([]byte, 8)
	if _, err := consumer.Read(dst); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(dst, elem) {
		t.Fatalf("element mismatch: % x vs % x", dst, elem)
	}
	if !consumer.IsEmpty() {
		t.Fatalf("channel should be empty")
	}
}

func TestFixedSizeMismatch(t *testing.T) {
	producer, _, be := wireFixed(t, FixedConfig{ElementSize: 8, Capacity: 4})

	for _, n := range []int{7, 9} {
		err := producer.Push(registerBytes(t, be, make([]byte, n)))
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Fatalf("%d-byte push into 8-byte slots: expected ErrMessageTooLarge, got: %v", n, err)
		}
	}
}

func TestFixedFullAndWrap(t *testing.T) {
	const capacity = 3
	producer, consumer, be := wireFixed(t, FixedConfig{ElementSize: 4, Capacity: capacity})

	push := func(v uint32) error {
		elem := make([]byte, 4)
		binary.LittleEndian.PutUint32(elem, v)
		return producer.Push(registerBytes(t, be, elem))
	}
	for v := uint32(0); v < capacity; v++ {
		if err := push(v); err != nil {
			t.Fatalf("push %d failed: %v", v, err)
		}
	}
	if !producer.IsFull(1) {
		t.Fatalf("IsFull(1) should be true at capacity")
	}
	if err := push(99); !errors.Is(err, ErrChannelFull) {
		t.Fatalf("expected ErrChannelFull, got: %v", err)
	}

	// Drain one, push one, repeatedly: slots recycle in ring order.
	consumer.UpdateDepth()
	next := uint32(capacity)
	for want := uint32(0); want < 10; want++ {
		dst := make([]byte, 4)
		tok, err := consumer.Read(dst)
		if err != nil {
			t.Fatalf("read %d failed: %v", want, err)
		}
		if got := binary.LittleEndian.Uint32(dst); got != want {
			t.Fatalf("expected element %d, got %d", want, got)
		}
		if wantOff := uint64(want%capacity) * 4; tok.Offset != wantOff {
			t.Fatalf("element %d: expected offset %d, got %d", want, wantOff, tok.Offset)
		}
		producer.UpdateDepth()
		if err := push(next); err != nil {
			t.Fatalf("refill push %d failed: %v", next, err)
		}
		next++
		consumer.UpdateDepth()
	}
}

func TestFixedPopOnEmpty(t *testing.T) {
	_, consumer, _ := wireFixed(t, FixedConfig{ElementSize: 4, Capacity: 2})

	if _, err := consumer.Peek(); !errors.Is(err, ErrChannelEmpty) {
		t.Fatalf("expected ErrChannelEmpty from Peek, got: %v", err)
	}
	if err := consumer.Pop(1); !errors.Is(err, ErrChannelEmpty) {
		t.Fatalf("expected ErrChannelEmpty from Pop, got: %v", err)
	}
}
