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

	"code.hybscloud.com/iox"
)

// MPSCConsumer aggregates N independent SPSC consumer endpoints (one per
// producer) behind a single consumer-facing queue. The set of sub-channels
// is fixed at construction; sub-channel index equals producer index.
//
// Producers of an MPSC channel are ordinary Producer values, one per
// producer party, each bound to its own SPSC sub-channel.
type MPSCConsumer struct {
	subs []*Consumer

	// roundRobin starts each peek scan after the last returned channel
	// instead of at index zero.
	roundRobin bool
	cursor     int

	// lastPeeked is the sub-channel the most recent successful Peek
	// came from; Pop dispatches there. -1 when no peek is pending.
	lastPeeked int
}

// MPSCOption configures an MPSCConsumer.
type MPSCOption func(*MPSCConsumer)

// WithRoundRobinPeek makes Peek resume scanning after the last returned
// sub-channel. The default index-order scan favors low-indexed producers
// and can starve high indices under sustained load from below.
func WithRoundRobinPeek() MPSCOption {
	return func(m *MPSCConsumer) { m.roundRobin = true }
}

// NewMPSCConsumer combines per-producer SPSC consumers, in producer index
// order, into one queue. Each sub-consumer's tokens are tagged with its
// index.
func NewMPSCConsumer(subs []*Consumer, opts ...MPSCOption) (*MPSCConsumer, error) {
	if len(subs) == 0 {
		return nil, fmt.Errorf("channel: mpsc consumer needs at least one sub-channel")
	}
	for i, s := range subs {
		if s == nil {
			return nil, fmt.Errorf("channel: mpsc sub-channel %d is nil", i)
		}
		s.channelID = i
	}
	m := &MPSCConsumer{subs: subs, lastPeeked: -1}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Producers returns the number of sub-channels.
func (m *MPSCConsumer) Producers() int { return len(m.subs) }

// UpdateDepth refreshes every sub-channel's depth caches, in construction
// order. Counter propagation is polled, not event-driven, so this must run
// before trusting IsEmpty after remote activity.
func (m *MPSCConsumer) UpdateDepth() {
	for _, s := range m.subs {
		s.UpdateDepth()
	}
}

// IsEmpty reports whether every sub-channel's cached depth is zero.
func (m *MPSCConsumer) IsEmpty() bool {
	for _, s := range m.subs {
		if !s.IsEmpty() {
			return false
		}
	}
	return true
}

// Peek returns the head token of the first non-empty sub-channel in scan
// order, tagged with its producer index. The following Pop removes from
// that sub-channel.
func (m *MPSCConsumer) Peek() (Token, error) {
	start := 0
	if m.roundRobin {
		start = m.cursor
	}
	for i := range m.subs {
		idx := (start + i) % len(m.subs)
		tok, err := m.subs[idx].Peek()
		if err == nil {
			m.lastPeeked = idx
			if m.roundRobin {
				m.cursor = (idx + 1) % len(m.subs)
			}
			return tok, nil
		}
		if !IsWouldBlock(err) {
			return Token{}, err
		}
	}
	return Token{}, ErrChannelEmpty
}

// Pop removes count tokens from the sub-channel the last Peek selected.
func (m *MPSCConsumer) Pop(count int) error {
	if m.lastPeeked < 0 {
		return ErrNoPeek
	}
	idx := m.lastPeeked
	m.lastPeeked = -1
	return m.subs[idx].Pop(count)
}

// Read peeks, copies the head token's payload into dst, and pops it.
func (m *MPSCConsumer) Read(dst []byte) (Token, error) {
	tok, err := m.Peek()
	if err != nil {
		return Token{}, err
	}
	m.lastPeeked = -1
	return m.subs[tok.Channel].Read(dst)
}

// PeekContext waits with adaptive backoff until some sub-channel has a
// token, refreshing depths between scans, or until ctx expires.
func (m *MPSCConsumer) PeekContext(ctx context.Context) (Token, error) {
	backoff := iox.Backoff{}
	for {
		tok, err := m.Peek()
		if err == nil || !IsWouldBlock(err) {
			return tok, err
		}
		select {
		case <-ctx.Done():
			return Token{}, ctx.Err()
		default:
		}
		m.UpdateDepth()
		backoff.Wait()
	}
}

// Sub returns the consumer endpoint of one sub-channel, for per-producer
// diagnostics.
func (m *MPSCConsumer) Sub(i int) *Consumer { return m.subs[i] }
