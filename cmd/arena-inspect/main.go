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

// arena-inspect creates a throwaway shared memory arena, builds one SPSC
// channel inside it, and probes its real capacity behavior: which single
// push sizes fit, and where backpressure kicks in as the payload queue
// fills. The final channel state is dumped as JSON.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"

	"github.com/sugawarayuuta/sonnet"

	"github.com/Algebraic-Programming/onesided/channel"
	"github.com/Algebraic-Programming/onesided/memory"
	"github.com/Algebraic-Programming/onesided/memory/shmem"
)

func main() {
	name := flag.String("name", "arena-inspect", "arena name")
	size := flag.Uint64("size", 1<<20, "arena size in bytes")
	payloadCap := flag.Uint64("payload", 65536, "channel payload capacity in bytes")
	tokenCap := flag.Uint64("tokens", 64, "channel token capacity")
	flag.Parse()

	arena, err := shmem.Create(*name, shmem.Options{Size: *size, Parties: 1})
	if err != nil {
		log.Fatalf("Failed to create arena: %v", err)
	}
	defer arena.Close()

	fmt.Printf("=== Arena Layout ===\n")
	fmt.Printf("Path: %s\n", arena.Path())
	fmt.Printf("Total size: %d bytes\n", *size)
	fmt.Printf("Header: %d bytes, directory entry: %d bytes\n", shmem.ArenaHeaderSize, shmem.DirEntrySize)
	dirOff, dataOff, err := shmem.Layout(*size, shmem.DefaultDirSlots)
	if err != nil {
		log.Fatalf("Layout: %v", err)
	}
	fmt.Printf("Directory at %d, data area at %d (%d usable bytes)\n", dirOff, dataOff, *size-dataOff)

	cfg := channel.Config{PayloadCapacity: *payloadCap, TokenCapacity: *tokenCap}
	producer, consumer, err := wireChannel(arena, cfg)
	if err != nil {
		log.Fatalf("Failed to build channel: %v", err)
	}
	fmt.Printf("\n=== Channel Geometry ===\n")
	fmt.Printf("Payload capacity: %d bytes\n", producer.PayloadCapacity())
	fmt.Printf("Token capacity: %d tokens\n", producer.TokenCapacity())

	fmt.Printf("\n=== Single Push Probes ===\n")
	probeSizes := []uint64{10, 100, 1000, 4096, *payloadCap / 2, *payloadCap, *payloadCap + 1}
	for _, n := range probeSizes {
		src, err := arena.Allocate(n)
		if err != nil {
			fmt.Printf("Size %d bytes: arena exhausted (%v)\n", n, err)
			break
		}
		err = producer.Push(src)
		if err != nil {
			fmt.Printf("Size %d bytes: FAIL (%v)\n", n, err)
			continue
		}
		fmt.Printf("Size %d bytes: OK\n", n)
		// Drain so the next probe starts from an empty channel.
		consumer.UpdateDepth()
		if err := consumer.Pop(1); err != nil {
			log.Fatalf("Drain pop failed: %v", err)
		}
		producer.UpdateDepth()
	}

	fmt.Printf("\n=== Backpressure Probe ===\n")
	const chunk = 1000
	src, err := arena.Allocate(chunk)
	if err != nil {
		log.Fatalf("Failed to allocate probe chunk: %v", err)
	}
	written := uint64(0)
	for i := 0; ; i++ {
		if err := producer.Push(src); err != nil {
			kind := "payload"
			if errors.Is(err, channel.ErrTokenQueueFull) {
				kind = "token"
			}
			fmt.Printf("Blocked by the %s queue after %d bytes (%d chunks): %v\n", kind, written, i, err)
			break
		}
		written += chunk
	}

	fmt.Printf("\n=== Final Channel State ===\n")
	out, err := sonnet.Marshal(producer.State())
	if err != nil {
		log.Fatalf("Failed to marshal state: %v", err)
	}
	fmt.Println(string(out))
}

// wireChannel builds both endpoints of one SPSC channel directly inside
// the arena, without an exchange: a single-party arena has nobody to
// rendezvous with.
func wireChannel(arena *shmem.Arena, cfg channel.Config) (*channel.Producer, *channel.Consumer, error) {
	payload, err := arena.Allocate(cfg.PayloadCapacity)
	if err != nil {
		return nil, nil, err
	}
	sizes, err := arena.Allocate(cfg.TokenCapacity * 8)
	if err != nil {
		return nil, nil, err
	}
	var coords [4]memory.Buffer
	for i := range coords {
		if coords[i], err = arena.Allocate(channel.CoordinationBufferSize); err != nil {
			return nil, nil, err
		}
		if err := channel.InitializeCoordinationBuffer(coords[i]); err != nil {
			return nil, nil, err
		}
	}
	producer, err := channel.NewProducer(arena, cfg, channel.EndpointBuffers{
		Payload: payload, Sizes: sizes,
		LocalTokenCoord: coords[0], LocalPayloadCoord: coords[1],
		RemoteTokenCoord: coords[2], RemotePayloadCoord: coords[3],
	})
	if err != nil {
		return nil, nil, err
	}
	consumer, err := channel.NewConsumer(arena, cfg, channel.EndpointBuffers{
		Payload: payload, Sizes: sizes,
		LocalTokenCoord: coords[2], LocalPayloadCoord: coords[3],
		RemoteTokenCoord: coords[0], RemotePayloadCoord: coords[1],
	})
	if err != nil {
		return nil, nil, err
	}
	return producer, consumer, nil
}
