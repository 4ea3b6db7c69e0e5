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

// Package channel implements variable-size SPSC and MPSC channels over
// one-sided memory operations.
//
// A channel is two parallel circular buffers living in consumer-owned
// memory: a token-size queue holding one fixed-size length word per
// message, and a payload queue holding the concatenated message bytes.
// Each queue has its own pair of coordination buffers, so a full payload
// queue cannot block token delivery and vice versa. Producers write
// remotely into the consumer's buffers with one-sided puts and advance
// monotonic head counters; consumers poll counters, peek the head token,
// read the referenced bytes in place, and pop to free space.
//
// None of the primitives block. Waiting is the caller's policy: refresh
// with UpdateDepth and re-check in a loop, or use the Context helpers
// which spin with backoff until the deadline.
package channel

import (
	"fmt"

	"github.com/Algebraic-Programming/onesided/memory"
)

// tokenSlotSize is the fixed size of one token-size entry, a little-endian
// uint64 byte length.
const tokenSlotSize = 8

// Config carries the capacities of one SPSC channel. Both capacities are
// independent: a channel can be token-full while payload space remains,
// and vice versa.
type Config struct {
	// PayloadCapacity is the payload circular buffer size in bytes.
	PayloadCapacity uint64
	// TokenCapacity is the maximum number of unconsumed tokens.
	TokenCapacity uint64
}

func (c Config) validate() error {
	if c.PayloadCapacity == 0 {
		return fmt.Errorf("channel: payload capacity must be positive")
	}
	if c.TokenCapacity == 0 {
		return fmt.Errorf("channel: token capacity must be positive")
	}
	return nil
}

// EndpointBuffers names the six buffers one endpoint of an SPSC channel
// operates on. Payload and Sizes are always consumer-owned; the producer
// holds remote handles to them. Local coordination buffers must be mapped
// in the endpoint's address space and initialized with
// InitializeCoordinationBuffer before construction; remote ones are the
// counterpart's, resolved from an exchange.
type EndpointBuffers struct {
	Payload memory.Buffer
	Sizes   memory.Buffer

	LocalTokenCoord   memory.Buffer
	LocalPayloadCoord memory.Buffer

	RemoteTokenCoord   memory.Buffer
	RemotePayloadCoord memory.Buffer
}

func (b EndpointBuffers) validate(cfg Config) error {
	if b.Payload == nil || b.Payload.Size() < cfg.PayloadCapacity {
		return fmt.Errorf("channel: payload buffer smaller than capacity %d", cfg.PayloadCapacity)
	}
	if b.Sizes == nil || b.Sizes.Size() < cfg.TokenCapacity*tokenSlotSize {
		return fmt.Errorf("channel: sizes buffer smaller than %d token slots", cfg.TokenCapacity)
	}
	if b.RemoteTokenCoord == nil || b.RemoteTokenCoord.Size() < CoordinationBufferSize {
		return fmt.Errorf("channel: remote token coordination buffer: %w", ErrBadCoordinationBuffer)
	}
	if b.RemotePayloadCoord == nil || b.RemotePayloadCoord.Size() < CoordinationBufferSize {
		return fmt.Errorf("channel: remote payload coordination buffer: %w", ErrBadCoordinationBuffer)
	}
	return nil
}

// Token identifies one unconsumed message: which sub-channel it sits in
// (always 0 for a plain SPSC consumer), its physical offset into that
// channel's payload buffer, and its byte length. The referenced span may
// wrap past the buffer's physical end; Read reassembles it.
type Token struct {
	Channel int
	Offset  uint64
	Length  uint64
}

// State is a snapshot of one channel endpoint's view, for diagnostics.
// Heads are monotonic; depths are the head differences.
type State struct {
	TokenCapacity       uint64
	TokenProducerHead   uint64
	TokenConsumerHead   uint64
	TokenDepth          uint64
	PayloadCapacity     uint64
	PayloadProducerHead uint64
	PayloadConsumerHead uint64
	PayloadDepth        uint64
}

func snapshot(cfg Config, token, payload *coordCounters) State {
	tp := token.producerHead.LoadAcquire()
	tc := token.consumerHead.LoadAcquire()
	pp := payload.producerHead.LoadAcquire()
	pc := payload.consumerHead.LoadAcquire()
	return State{
		TokenCapacity:       cfg.TokenCapacity,
		TokenProducerHead:   tp,
		TokenConsumerHead:   tc,
		TokenDepth:          tp - tc,
		PayloadCapacity:     cfg.PayloadCapacity,
		PayloadProducerHead: pp,
		PayloadConsumerHead: pc,
		PayloadDepth:        pp - pc,
	}
}
