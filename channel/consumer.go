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
	"io"

	"code.hybscloud.com/iox"

	"github.com/Algebraic-Programming/onesided/internal/ringidx"
	"github.com/Algebraic-Programming/onesided/memory"
)

// Consumer is the popping endpoint of one SPSC channel. The payload and
// sizes buffers are owned by (mapped in) the consumer, so peeked tokens
// can be read in place without a copy.
type Consumer struct {
	be   memory.Backend
	cfg  Config
	bufs EndpointBuffers

	// Overlays of the consumer's own coordination buffers: consumerHead
	// words are authoritative here, producerHead words are replicas.
	token   *coordCounters
	payload *coordCounters

	// channelID tags tokens handed out by Peek. Zero for a standalone
	// SPSC consumer; the MPSC layer sets the producer index.
	channelID int
}

// NewConsumer builds the consumer endpoint of an SPSC channel. Payload and
// Sizes must be locally mapped; local coordination buffers must already be
// initialized.
func NewConsumer(be memory.Backend, cfg Config, bufs EndpointBuffers) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := bufs.validate(cfg); err != nil {
		return nil, err
	}
	if bufs.Payload.Bytes() == nil || bufs.Sizes.Bytes() == nil {
		return nil, fmt.Errorf("channel: consumer requires locally mapped payload and sizes buffers")
	}
	token, err := coordOf(bufs.LocalTokenCoord)
	if err != nil {
		return nil, fmt.Errorf("channel: local token coordination buffer: %w", err)
	}
	payload, err := coordOf(bufs.LocalPayloadCoord)
	if err != nil {
		return nil, fmt.Errorf("channel: local payload coordination buffer: %w", err)
	}
	if _, err := be.GetWord(bufs.RemoteTokenCoord, producerHeadOffset); err != nil {
		return nil, fmt.Errorf("channel: remote token coordination buffer: %w", err)
	}
	if _, err := be.GetWord(bufs.RemotePayloadCoord, producerHeadOffset); err != nil {
		return nil, fmt.Errorf("channel: remote payload coordination buffer: %w", err)
	}
	return &Consumer{be: be, cfg: cfg, bufs: bufs, token: token, payload: payload}, nil
}

// Peek returns the oldest unconsumed token without removing it. Pure read:
// any number of Peeks observe the same head until a Pop. Returns
// ErrChannelEmpty when no token is visible in the cached depth; call
// UpdateDepth first after remote-side activity.
func (c *Consumer) Peek() (Token, error) {
	if c.token.depth() == 0 {
		return Token{}, ErrChannelEmpty
	}
	tokenHead := c.token.consumerHead.LoadRelaxed()
	slot := ringidx.Wrap(tokenHead, c.cfg.TokenCapacity)
	length := binary.LittleEndian.Uint64(c.bufs.Sizes.Bytes()[slot*tokenSlotSize:])
	payloadHead := c.payload.consumerHead.LoadRelaxed()
	return Token{
		Channel: c.channelID,
		Offset:  ringidx.Wrap(payloadHead, c.cfg.PayloadCapacity),
		Length:  length,
	}, nil
}

// Pop removes the oldest count tokens, advancing both consumer heads and
// propagating them to the producer's replicas so the freed space becomes
// pushable. Popping past the visible depth fails with ErrChannelEmpty and
// leaves the already-popped prefix popped.
func (c *Consumer) Pop(count int) error {
	popped := 0
	for ; popped < count; popped++ {
		tok, err := c.Peek()
		if err != nil {
			if popped > 0 {
				c.propagateHeads()
			}
			return err
		}
		// The release stores order the caller's payload reads before
		// the space is handed back: a producer that observes the new
		// heads may overwrite the span.
		c.token.consumerHead.StoreRelease(c.token.consumerHead.LoadRelaxed() + 1)
		c.payload.consumerHead.StoreRelease(c.payload.consumerHead.LoadRelaxed() + tok.Length)
	}
	if popped > 0 {
		return c.propagateHeads()
	}
	return nil
}

func (c *Consumer) propagateHeads() error {
	if err := c.be.PutWord(c.bufs.RemoteTokenCoord, consumerHeadOffset,
		c.token.consumerHead.LoadRelaxed()); err != nil {
		return err
	}
	return c.be.PutWord(c.bufs.RemotePayloadCoord, consumerHeadOffset,
		c.payload.consumerHead.LoadRelaxed())
}

// Read copies the head token's payload into dst (reassembling a wrapped
// span), pops it, and returns the token. Fails with io.ErrShortBuffer
// before popping when dst cannot hold the payload.
func (c *Consumer) Read(dst []byte) (Token, error) {
	tok, err := c.Peek()
	if err != nil {
		return Token{}, err
	}
	if uint64(len(dst)) < tok.Length {
		return Token{}, io.ErrShortBuffer
	}
	data := c.bufs.Payload.Bytes()
	first, second := ringidx.Split(tok.Offset, tok.Length, c.cfg.PayloadCapacity)
	copy(dst[:first], data[tok.Offset:tok.Offset+first])
	if second > 0 {
		copy(dst[first:first+second], data[:second])
	}
	if err := c.Pop(1); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// PeekContext waits with adaptive backoff until a token is visible,
// refreshing depth between attempts, or until ctx expires.
func (c *Consumer) PeekContext(ctx context.Context) (Token, error) {
	backoff := iox.Backoff{}
	for {
		tok, err := c.Peek()
		if err == nil || !IsWouldBlock(err) {
			return tok, err
		}
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		default:
		}
		c.UpdateDepth()
		backoff.Wait()
	}
}

// UpdateDepth pulls the producer's counters into the local replicas. Never
// blocks, never fails, idempotent with no intervening remote activity.
func (c *Consumer) UpdateDepth() {
	if v, err := c.be.GetWord(c.bufs.RemoteTokenCoord, producerHeadOffset); err == nil {
		c.token.producerHead.StoreRelaxed(v)
	}
	if v, err := c.be.GetWord(c.bufs.RemotePayloadCoord, producerHeadOffset); err == nil {
		c.payload.producerHead.StoreRelaxed(v)
	}
}

// IsEmpty reports whether no token is visible in the cached depth.
func (c *Consumer) IsEmpty() bool { return c.token.depth() == 0 }

// IsFull reports whether a push of pending bytes would fail, judged from
// the consumer's view.
func (c *Consumer) IsFull(pending uint64) bool {
	return c.token.depth() >= c.cfg.TokenCapacity ||
		c.payload.depth()+pending > c.cfg.PayloadCapacity
}

// TokenDepth returns the cached count of unconsumed tokens.
func (c *Consumer) TokenDepth() uint64 { return c.token.depth() }

// PayloadDepth returns the cached count of unconsumed payload bytes.
func (c *Consumer) PayloadDepth() uint64 { return c.payload.depth() }

// TokenCapacity returns the channel's token capacity.
func (c *Consumer) TokenCapacity() uint64 { return c.cfg.TokenCapacity }

// PayloadCapacity returns the channel's payload capacity in bytes.
func (c *Consumer) PayloadCapacity() uint64 { return c.cfg.PayloadCapacity }

// State returns a diagnostic snapshot of the consumer's view.
func (c *Consumer) State() State { return snapshot(c.cfg, c.token, c.payload) }
