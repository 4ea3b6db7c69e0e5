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

// mpsc-demo drives an N-producer MPSC channel over the in-process backend
// and prints a JSON run summary. Geometry comes from a TOML config file,
// with environment overrides (a .env file is honored when present).
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/sugawarayuuta/sonnet"

	"github.com/Algebraic-Programming/onesided/channel"
	"github.com/Algebraic-Programming/onesided/memory"
)

type config struct {
	Producers       int    `toml:"producers"`
	Messages        int    `toml:"messages"`
	MessageSize     int    `toml:"message_size"`
	PayloadCapacity uint64 `toml:"payload_capacity"`
	TokenCapacity   uint64 `toml:"token_capacity"`
	RoundRobin      bool   `toml:"round_robin"`
}

func defaultConfig() config {
	return config{
		Producers:       4,
		Messages:        10000,
		MessageSize:     64,
		PayloadCapacity: 4096,
		TokenCapacity:   64,
		RoundRobin:      false,
	}
}

func loadConfig(path string) (config, error) {
	c := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := toml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}
	// Environment beats the file; the .env load in main makes these
	// settable per directory.
	if v := os.Getenv("ONESIDED_PRODUCERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("ONESIDED_PRODUCERS: %w", err)
		}
		c.Producers = n
	}
	if v := os.Getenv("ONESIDED_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("ONESIDED_MESSAGES: %w", err)
		}
		c.Messages = n
	}
	return c, nil
}

func (c config) validate() error {
	if c.Producers < 1 || c.Messages < 1 {
		return fmt.Errorf("producers and messages must be positive")
	}
	if c.MessageSize < 12 {
		return fmt.Errorf("message size must hold the 12-byte sequence header")
	}
	if uint64(c.MessageSize) > c.PayloadCapacity {
		return fmt.Errorf("message size %d exceeds payload capacity %d", c.MessageSize, c.PayloadCapacity)
	}
	return nil
}

type summary struct {
	Producers       int     `json:"producers"`
	MessagesTotal   int     `json:"messages_total"`
	BytesTotal      uint64  `json:"bytes_total"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	MessagesPerSec  float64 `json:"messages_per_sec"`
	ThroughputMBps  float64 `json:"throughput_mbps"`
	PerProducer     []int   `json:"per_producer"`
	FinalTokenDepth uint64  `json:"final_token_depth"`
}

func main() {
	configPath := flag.String("config", "", "TOML config file (defaults apply when empty)")
	flag.Parse()

	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	chanCfg := channel.Config{
		PayloadCapacity: cfg.PayloadCapacity,
		TokenCapacity:   cfg.TokenCapacity,
	}
	dom := memory.NewDomain(cfg.Producers + 1)
	const tag = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	errCh := make(chan error, cfg.Producers)
	for p := 0; p < cfg.Producers; p++ {
		go func(id int) {
			errCh <- runProducer(ctx, dom.Endpoint(id+1), chanCfg, tag, id, cfg)
		}(p)
	}

	var opts []channel.MPSCOption
	if cfg.RoundRobin {
		opts = append(opts, channel.WithRoundRobinPeek())
	}
	consumer, err := channel.SetupConsumer(dom.Endpoint(0), chanCfg, tag, cfg.Producers, opts...)
	if err != nil {
		log.Fatalf("consumer setup: %v", err)
	}

	start := time.Now()
	perProducer := make([]int, cfg.Producers)
	var bytesTotal uint64
	dst := make([]byte, cfg.MessageSize)
	total := cfg.Producers * cfg.Messages
	for received := 0; received < total; received++ {
		tok, err := consumer.PeekContext(ctx)
		if err != nil {
			log.Fatalf("peek after %d messages: %v", received, err)
		}
		if _, err := consumer.Read(dst[:tok.Length]); err != nil {
			log.Fatalf("read after %d messages: %v", received, err)
		}
		id := binary.LittleEndian.Uint32(dst[0:])
		seq := binary.LittleEndian.Uint64(dst[4:])
		if int(id) != tok.Channel {
			log.Fatalf("channel %d delivered a message stamped by producer %d", tok.Channel, id)
		}
		if seq != uint64(perProducer[id]) {
			log.Fatalf("producer %d: sequence %d arrived, expected %d", id, seq, perProducer[id])
		}
		perProducer[id]++
		bytesTotal += tok.Length
	}
	elapsed := time.Since(start)

	for p := 0; p < cfg.Producers; p++ {
		if err := <-errCh; err != nil {
			log.Fatalf("producer: %v", err)
		}
	}
	consumer.UpdateDepth()

	s := summary{
		Producers:      cfg.Producers,
		MessagesTotal:  total,
		BytesTotal:     bytesTotal,
		ElapsedSeconds: elapsed.Seconds(),
		MessagesPerSec: float64(total) / elapsed.Seconds(),
		ThroughputMBps: float64(bytesTotal) / elapsed.Seconds() / (1 << 20),
		PerProducer:    perProducer,
	}
	for p := 0; p < cfg.Producers; p++ {
		s.FinalTokenDepth += consumer.Sub(p).TokenDepth()
	}
	out, err := sonnet.Marshal(s)
	if err != nil {
		log.Fatalf("summary: %v", err)
	}
	fmt.Println(string(out))
}

func runProducer(ctx context.Context, be memory.Backend, chanCfg channel.Config, tag uint64, id int, cfg config) error {
	producer, err := channel.SetupProducer(be, chanCfg, tag, id)
	if err != nil {
		return fmt.Errorf("producer %d setup: %w", id, err)
	}
	msg := make([]byte, cfg.MessageSize)
	for i := range msg {
		msg[i] = byte(i)
	}
	src, err := be.Register(msg)
	if err != nil {
		return fmt.Errorf("producer %d register: %w", id, err)
	}
	for seq := 0; seq < cfg.Messages; seq++ {
		binary.LittleEndian.PutUint32(msg[0:], uint32(id))
		binary.LittleEndian.PutUint64(msg[4:], uint64(seq))
		if err := producer.PushContext(ctx, src); err != nil {
			return fmt.Errorf("producer %d push %d: %w", id, seq, err)
		}
	}
	return nil
}
