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
	"fmt"

	"github.com/Algebraic-Programming/onesided/memory"
)

// Channel bootstrap over the collective exchange.
//
// The consumer pre-allocates payload, sizes, and its two coordination
// buffers for every producer (4 x producerCount buffers) and publishes
// them; each producer publishes its own two coordination buffers. All
// parties must enter the same Exchange collective with the same tag:
// SetupConsumer on the consumer party, SetupProducer on each producer
// party. Keys derive from the producer index, six slots per producer.

const keysPerProducer = 6

const (
	keyPayload = iota
	keySizes
	keyConsumerTokenCoord
	keyConsumerPayloadCoord
	keyProducerTokenCoord
	keyProducerPayloadCoord
)

func exchangeKey(producer, slot int) uint64 {
	return uint64(producer)*keysPerProducer + uint64(slot)
}

// SetupConsumer allocates and publishes the consumer side of an MPSC
// channel (producerCount == 1 yields a plain SPSC behind the MPSC facade),
// completes the exchange, and resolves every producer's coordination
// buffers. It participates in one Exchange collective under tag.
func SetupConsumer(be memory.Backend, cfg Config, tag uint64, producerCount int, opts ...MPSCOption) (*MPSCConsumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if producerCount < 1 {
		return nil, fmt.Errorf("channel: producer count must be >= 1")
	}

	type consumerAlloc struct {
		payload, sizes, tokenCoord, payloadCoord memory.Buffer
	}
	allocs := make([]consumerAlloc, producerCount)
	var entries []memory.ExchangeEntry
	for p := range allocs {
		a := &allocs[p]
		var err error
		if a.payload, err = be.Allocate(cfg.PayloadCapacity); err != nil {
			return nil, err
		}
		if a.sizes, err = be.Allocate(cfg.TokenCapacity * tokenSlotSize); err != nil {
			return nil, err
		}
		if a.tokenCoord, err = be.Allocate(CoordinationBufferSize); err != nil {
			return nil, err
		}
		if a.payloadCoord, err = be.Allocate(CoordinationBufferSize); err != nil {
			return nil, err
		}
		if err = InitializeCoordinationBuffer(a.tokenCoord); err != nil {
			return nil, err
		}
		if err = InitializeCoordinationBuffer(a.payloadCoord); err != nil {
			return nil, err
		}
		entries = append(entries,
			memory.ExchangeEntry{Key: exchangeKey(p, keyPayload), Buf: a.payload},
			memory.ExchangeEntry{Key: exchangeKey(p, keySizes), Buf: a.sizes},
			memory.ExchangeEntry{Key: exchangeKey(p, keyConsumerTokenCoord), Buf: a.tokenCoord},
			memory.ExchangeEntry{Key: exchangeKey(p, keyConsumerPayloadCoord), Buf: a.payloadCoord},
		)
	}
	if err := be.Exchange(tag, entries); err != nil {
		return nil, err
	}

	subs := make([]*Consumer, producerCount)
	for p := range subs {
		remoteToken, err := be.Resolve(tag, exchangeKey(p, keyProducerTokenCoord))
		if err != nil {
			return nil, err
		}
		remotePayload, err := be.Resolve(tag, exchangeKey(p, keyProducerPayloadCoord))
		if err != nil {
			return nil, err
		}
		subs[p], err = NewConsumer(be, cfg, EndpointBuffers{
			Payload:            allocs[p].payload,
			Sizes:              allocs[p].sizes,
			LocalTokenCoord:    allocs[p].tokenCoord,
			LocalPayloadCoord:  allocs[p].payloadCoord,
			RemoteTokenCoord:   remoteToken,
			RemotePayloadCoord: remotePayload,
		})
		if err != nil {
			return nil, err
		}
	}
	return NewMPSCConsumer(subs, opts...)
}

// SetupProducer allocates and publishes one producer party's coordination
// buffers, completes the exchange, and resolves the consumer-owned buffers
// of its sub-channel. It participates in the same Exchange collective as
// SetupConsumer under tag.
func SetupProducer(be memory.Backend, cfg Config, tag uint64, producerID int) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if producerID < 0 {
		return nil, fmt.Errorf("channel: producer id must be >= 0")
	}

	tokenCoord, err := be.Allocate(CoordinationBufferSize)
	if err != nil {
		return nil, err
	}
	payloadCoord, err := be.Allocate(CoordinationBufferSize)
	if err != nil {
		return nil, err
	}
	if err := InitializeCoordinationBuffer(tokenCoord); err != nil {
		return nil, err
	}
	if err := InitializeCoordinationBuffer(payloadCoord); err != nil {
		return nil, err
	}
	err = be.Exchange(tag, []memory.ExchangeEntry{
		{Key: exchangeKey(producerID, keyProducerTokenCoord), Buf: tokenCoord},
		{Key: exchangeKey(producerID, keyProducerPayloadCoord), Buf: payloadCoord},
	})
	if err != nil {
		return nil, err
	}

	payload, err := be.Resolve(tag, exchangeKey(producerID, keyPayload))
	if err != nil {
		return nil, err
	}
	sizes, err := be.Resolve(tag, exchangeKey(producerID, keySizes))
	if err != nil {
		return nil, err
	}
	remoteToken, err := be.Resolve(tag, exchangeKey(producerID, keyConsumerTokenCoord))
	if err != nil {
		return nil, err
	}
	remotePayload, err := be.Resolve(tag, exchangeKey(producerID, keyConsumerPayloadCoord))
	if err != nil {
		return nil, err
	}
	return NewProducer(be, cfg, EndpointBuffers{
		Payload:            payload,
		Sizes:              sizes,
		LocalTokenCoord:    tokenCoord,
		LocalPayloadCoord:  payloadCoord,
		RemoteTokenCoord:   remoteToken,
		RemotePayloadCoord: remotePayload,
	})
}
