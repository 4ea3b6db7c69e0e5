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
	"context"
	"fmt"
	"io"

	"code.hybscloud.com/iox"

	"github.com/Algebraic-Programming/onesided/internal/ringidx"
	"github.com/Algebraic-Programming/onesided/memory"
)

// Fixed-size channel: every token is exactly ElementSize bytes, so the
// size queue disappears and a single ring of whole slots with one
// coordination-buffer pair carries the protocol. Simpler and cheaper than
// the variable-size channel when message sizes are uniform.

// FixedConfig carries the geometry of a fixed-size SPSC channel.
type FixedConfig struct {
	// ElementSize is the exact byte size of every token.
	ElementSize uint64
	// Capacity is the maximum number of unconsumed tokens.
	Capacity uint64
}

func (c FixedConfig) validate() error {
	if c.ElementSize == 0 {
		return fmt.Errorf("channel: element size must be positive")
	}
	if c.Capacity == 0 {
		return fmt.Errorf("channel: capacity must be positive")
	}
	return nil
}

// FixedEndpointBuffers names the buffers one endpoint of a fixed-size
// channel operates on. Data is consumer-owned and sized
// ElementSize*Capacity.
type FixedEndpointBuffers struct {
	Data        memory.Buffer
	LocalCoord  memory.Buffer
	RemoteCoord memory.Buffer
}

func (b FixedEndpointBuffers) validate(cfg FixedConfig) error {
	if b.Data == nil || b.Data.Size() < cfg.ElementSize*cfg.Capacity {
		return fmt.Errorf("channel: data buffer smaller than %d slots of %d bytes", cfg.Capacity, cfg.ElementSize)
	}
	if b.RemoteCoord == nil || b.RemoteCoord.Size() < CoordinationBufferSize {
		return fmt.Errorf("channel: remote coordination buffer: %w", ErrBadCoordinationBuffer)
	}
	return nil
}

// FixedProducer is the pushing endpoint of a fixed-size SPSC channel.
type FixedProducer struct {
	be    memory.Backend
	cfg   FixedConfig
	bufs  FixedEndpointBuffers
	coord *coordCounters
}

// NewFixedProducer builds the producer endpoint of a fixed-size channel.
func NewFixedProducer(be memory.Backend, cfg FixedConfig, bufs FixedEndpointBuffers) (*FixedProducer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := bufs.validate(cfg); err != nil {
		return nil, err
	}
	coord, err := coordOf(bufs.LocalCoord)
	if err != nil {
		return nil, fmt.Errorf("channel: local coordination buffer: %w", err)
	}
	if _, err := be.GetWord(bufs.RemoteCoord, consumerHeadOffset); err != nil {
		return nil, fmt.Errorf("channel: remote coordination buffer: %w", err)
	}
	return &FixedProducer{be: be, cfg: cfg, bufs: bufs, coord: coord}, nil
}

// Push writes one element into the next free slot. src must be exactly
// one element. Fails with ErrChannelFull when the cached depth shows no
// free slot.
func (p *FixedProducer) Push(src memory.Buffer) error {
	if src.Size() != p.cfg.ElementSize {
		return fmt.Errorf("channel: push of %d bytes into %d-byte slots: %w",
			src.Size(), p.cfg.ElementSize, ErrMessageTooLarge)
	}
	if p.coord.depth() >= p.cfg.Capacity {
		return ErrChannelFull
	}
	head := p.coord.producerHead.LoadRelaxed()
	slot := ringidx.Wrap(head, p.cfg.Capacity)
	if err := p.be.Put(p.bufs.Data, slot*p.cfg.ElementSize, src, 0, p.cfg.ElementSize); err != nil {
		return err
	}
	p.coord.producerHead.StoreRelease(head + 1)
	return p.be.PutWord(p.bufs.RemoteCoord, producerHeadOffset, head+1)
}

// PushContext retries Push with adaptive backoff until it succeeds, hits a
// non-transient error, or ctx expires.
func (p *FixedProducer) PushContext(ctx context.Context, src memory.Buffer) error {
	backoff := iox.Backoff{}
	for {
		err := p.Push(src)
		if err == nil || !IsWouldBlock(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		p.UpdateDepth()
		backoff.Wait()
	}
}

// UpdateDepth pulls the consumer's head into the local replica.
func (p *FixedProducer) UpdateDepth() {
	if v, err := p.be.GetWord(p.bufs.RemoteCoord, consumerHeadOffset); err == nil {
		p.coord.consumerHead.StoreRelaxed(v)
	}
}

// IsFull reports whether pushing pending more elements would fail.
func (p *FixedProducer) IsFull(pending uint64) bool {
	return p.coord.depth()+pending > p.cfg.Capacity
}

// IsEmpty reports whether every pushed element has been consumed.
func (p *FixedProducer) IsEmpty() bool { return p.coord.depth() == 0 }

// Depth returns the cached count of unconsumed elements.
func (p *FixedProducer) Depth() uint64 { return p.coord.depth() }

// Capacity returns the channel's element capacity.
func (p *FixedProducer) Capacity() uint64 { return p.cfg.Capacity }

// ElementSize returns the fixed token size in bytes.
func (p *FixedProducer) ElementSize() uint64 { return p.cfg.ElementSize }

// FixedConsumer is the popping endpoint of a fixed-size SPSC channel.
type FixedConsumer struct {
	be    memory.Backend
	cfg   FixedConfig
	bufs  FixedEndpointBuffers
	coord *coordCounters
}

// NewFixedConsumer builds the consumer endpoint of a fixed-size channel.
// Data must be locally mapped.
func NewFixedConsumer(be memory.Backend, cfg FixedConfig, bufs FixedEndpointBuffers) (*FixedConsumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := bufs.validate(cfg); err != nil {
		return nil, err
	}
	if bufs.Data.Bytes() == nil {
		return nil, fmt.Errorf("channel: consumer requires a locally mapped data buffer")
	}
	coord, err := coordOf(bufs.LocalCoord)
	if err != nil {
		return nil, fmt.Errorf("channel: local coordination buffer: %w", err)
	}
	if _, err := be.GetWord(bufs.RemoteCoord, producerHeadOffset); err != nil {
		return nil, fmt.Errorf("channel: remote coordination buffer: %w", err)
	}
	return &FixedConsumer{be: be, cfg: cfg, bufs: bufs, coord: coord}, nil
}

// Peek returns the head element as a token whose Offset is the slot's
// byte offset and whose Length is the element size.
func (c *FixedConsumer) Peek() (Token, error) {
	if c.coord.depth() == 0 {
		return Token{}, ErrChannelEmpty
	}
	head := c.coord.consumerHead.LoadRelaxed()
	slot := ringidx.Wrap(head, c.cfg.Capacity)
	return Token{Offset: slot * c.cfg.ElementSize, Length: c.cfg.ElementSize}, nil
}

// Pop removes the oldest count elements and propagates the freed slots to
// the producer.
func (c *FixedConsumer) Pop(count int) error {
	for i := 0; i < count; i++ {
		if c.coord.depth() == 0 {
			if i > 0 {
				c.propagate()
			}
			return ErrChannelEmpty
		}
		c.coord.consumerHead.StoreRelease(c.coord.consumerHead.LoadRelaxed() + 1)
	}
	if count > 0 {
		return c.propagate()
	}
	return nil
}

func (c *FixedConsumer) propagate() error {
	return c.be.PutWord(c.bufs.RemoteCoord, consumerHeadOffset, c.coord.consumerHead.LoadRelaxed())
}

// Read copies the head element into dst and pops it.
func (c *FixedConsumer) Read(dst []byte) (Token, error) {
	tok, err := c.Peek()
	if err != nil {
		return Token{}, err
	}
	if uint64(len(dst)) < tok.Length {
		return Token{}, io.ErrShortBuffer
	}
	data := c.bufs.Data.Bytes()
	copy(dst[:tok.Length], data[tok.Offset:tok.Offset+tok.Length])
	if err := c.Pop(1); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// UpdateDepth pulls the producer's head into the local replica.
func (c *FixedConsumer) UpdateDepth() {
	if v, err := c.be.GetWord(c.bufs.RemoteCoord, producerHeadOffset); err == nil {
		c.coord.producerHead.StoreRelaxed(v)
	}
}

// IsEmpty reports whether no element is visible in the cached depth.
func (c *FixedConsumer) IsEmpty() bool { return c.coord.depth() == 0 }

// Depth returns the cached count of unconsumed elements.
func (c *FixedConsumer) Depth() uint64 { return c.coord.depth() }

// Capacity returns the channel's element capacity.
func (c *FixedConsumer) Capacity() uint64 { return c.cfg.Capacity }

// ElementSize returns the fixed token size in bytes.
func (c *FixedConsumer) ElementSize() uint64 { return c.cfg.ElementSize }
