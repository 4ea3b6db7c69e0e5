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
	"encoding/binary"
	"fmt"

	"code.hybscloud.com/iox"

	"github.com/Algebraic-Programming/onesided/internal/ringidx"
	"github.com/Algebraic-Programming/onesided/memory"
)

// Producer is the pushing endpoint of one SPSC channel. It is driven by a
// single goroutine or process; all its remote effects are one-sided writes
// into the consumer's buffers.
type Producer struct {
	be   memory.Backend
	cfg  Config
	bufs EndpointBuffers

	// Overlays of the producer's own coordination buffers: producerHead
	// words are authoritative here, consumerHead words are replicas the
	// consumer pushes into and UpdateDepth pulls into.
	token   *coordCounters
	payload *coordCounters

	// scratch stages the 8-byte size word for the one-sided write into
	// the consumer's sizes ring.
	scratch memory.Buffer
}

// NewProducer builds the producer endpoint of an SPSC channel. Local
// coordination buffers must already be initialized; remote handles must
// come from a completed exchange with the consumer.
func NewProducer(be memory.Backend, cfg Config, bufs EndpointBuffers) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := bufs.validate(cfg); err != nil {
		return nil, err
	}
	token, err := coordOf(bufs.LocalTokenCoord)
	if err != nil {
		return nil, fmt.Errorf("channel: local token coordination buffer: %w", err)
	}
	payload, err := coordOf(bufs.LocalPayloadCoord)
	if err != nil {
		return nil, fmt.Errorf("channel: local payload coordination buffer: %w", err)
	}
	// Probe the remote replicas once so a bad handle fails construction
	// instead of the first push.
	if _, err := be.GetWord(bufs.RemoteTokenCoord, consumerHeadOffset); err != nil {
		return nil, fmt.Errorf("channel: remote token coordination buffer: %w", err)
	}
	if _, err := be.GetWord(bufs.RemotePayloadCoord, consumerHeadOffset); err != nil {
		return nil, fmt.Errorf("channel: remote payload coordination buffer: %w", err)
	}
	scratch, err := be.Allocate(tokenSlotSize)
	if err != nil {
		return nil, err
	}
	return &Producer{be: be, cfg: cfg, bufs: bufs, token: token, payload: payload, scratch: scratch}, nil
}

// Push appends the whole of src as one token. It either fully succeeds
// (payload bytes and size word written, both counters advanced and
// propagated) or fails before any remote write is issued. A full channel
// is reported per queue: ErrTokenQueueFull or ErrPayloadQueueFull, both
// transient. Push never blocks; callers wanting to wait combine
// UpdateDepth with their own retry policy, or use PushContext.
func (p *Producer) Push(src memory.Buffer) error {
	n := src.Size()
	if n > p.cfg.PayloadCapacity {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, n, p.cfg.PayloadCapacity)
	}
	// Dual backpressure: both queues must have room before anything is
	// written.
	if p.token.depth() >= p.cfg.TokenCapacity {
		return ErrTokenQueueFull
	}
	if p.payload.depth()+n > p.cfg.PayloadCapacity {
		return ErrPayloadQueueFull
	}

	payloadHead := p.payload.producerHead.LoadRelaxed()
	off := ringidx.Wrap(payloadHead, p.cfg.PayloadCapacity)
	first, second := ringidx.Split(off, n, p.cfg.PayloadCapacity)
	if first > 0 {
		if err := p.be.Put(p.bufs.Payload, off, src, 0, first); err != nil {
			return err
		}
	}
	if second > 0 {
		if err := p.be.Put(p.bufs.Payload, 0, src, first, second); err != nil {
			return err
		}
	}

	tokenHead := p.token.producerHead.LoadRelaxed()
	slot := ringidx.Wrap(tokenHead, p.cfg.TokenCapacity)
	binary.LittleEndian.PutUint64(p.scratch.Bytes(), n)
	if err := p.be.Put(p.bufs.Sizes, slot*tokenSlotSize, p.scratch, 0, tokenSlotSize); err != nil {
		return err
	}

	// Advance own counters, then publish them into the consumer's
	// replicas. The release on PutWord is what makes the payload bytes
	// visible to a consumer that observes the new heads.
	p.payload.producerHead.StoreRelease(payloadHead + n)
	p.token.producerHead.StoreRelease(tokenHead + 1)
	if err := p.be.PutWord(p.bufs.RemotePayloadCoord, producerHeadOffset, payloadHead+n); err != nil {
		return err
	}
	return p.be.PutWord(p.bufs.RemoteTokenCoord, producerHeadOffset, tokenHead+1)
}

// PushContext retries Push with adaptive backoff until it succeeds, hits a
// non-transient error, or ctx expires.
func (p *Producer) PushContext(ctx context.Context, src memory.Buffer) error {
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

// UpdateDepth pulls the consumer's counters into the local replicas. It
// never blocks and never fails; depth queries only reflect remote pops
// after it (or after the consumer's own push into the replica) has run.
// Repeated calls with no remote activity are free of side effects.
func (p *Producer) UpdateDepth() {
	if v, err := p.be.GetWord(p.bufs.RemoteTokenCoord, consumerHeadOffset); err == nil {
		p.token.consumerHead.StoreRelaxed(v)
	}
	if v, err := p.be.GetWord(p.bufs.RemotePayloadCoord, consumerHeadOffset); err == nil {
		p.payload.consumerHead.StoreRelaxed(v)
	}
}

// IsFull reports whether a push of pending bytes would fail on either
// queue, judged from cached depths.
func (p *Producer) IsFull(pending uint64) bool {
	return p.token.depth() >= p.cfg.TokenCapacity ||
		p.payload.depth()+pending > p.cfg.PayloadCapacity
}

// IsEmpty reports whether every pushed token has been consumed.
func (p *Producer) IsEmpty() bool { return p.token.depth() == 0 }

// TokenDepth returns the cached count of unconsumed tokens.
func (p *Producer) TokenDepth() uint64 { return p.token.depth() }

// PayloadDepth returns the cached count of unconsumed payload bytes.
func (p *Producer) PayloadDepth() uint64 { return p.payload.depth() }

// TokenCapacity returns the channel's token capacity.
func (p *Producer) TokenCapacity() uint64 { return p.cfg.TokenCapacity }

// PayloadCapacity returns the channel's payload capacity in bytes.
func (p *Producer) PayloadCapacity() uint64 { return p.cfg.PayloadCapacity }

// State returns a diagnostic snapshot of the producer's view.
func (p *Producer) State() State { return snapshot(p.cfg, p.token, p.payload) }
