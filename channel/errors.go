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
	"errors"
	"fmt"

	"code.hybscloud.com/iox"
)

var (
	// ErrMessageTooLarge indicates a single push exceeds the channel's
	// total payload capacity. Unrecoverable for that call: split the
	// message or build a larger channel.
	ErrMessageTooLarge = errors.New("channel: message exceeds payload capacity")

	// ErrTokenQueueFull indicates the token-count queue has no free slot.
	// Transient: refresh depth and retry. Wraps iox.ErrWouldBlock.
	ErrTokenQueueFull = fmt.Errorf("channel: token queue full: %w", iox.ErrWouldBlock)

	// ErrPayloadQueueFull indicates the payload byte queue lacks room for
	// the message. Transient: refresh depth and retry. Distinct from
	// ErrTokenQueueFull so callers can see which queue is the bottleneck.
	ErrPayloadQueueFull = fmt.Errorf("channel: payload queue full: %w", iox.ErrWouldBlock)

	// ErrChannelFull indicates a fixed-size channel has no free slot.
	// Transient: refresh depth and retry. Wraps iox.ErrWouldBlock.
	ErrChannelFull = fmt.Errorf("channel: full: %w", iox.ErrWouldBlock)

	// ErrChannelEmpty is returned by Peek and Pop when no token is
	// visible. After remote-side activity, call UpdateDepth before
	// trusting emptiness. Wraps iox.ErrWouldBlock.
	ErrChannelEmpty = fmt.Errorf("channel: empty: %w", iox.ErrWouldBlock)

	// ErrNoPeek indicates Pop was called on an MPSC consumer with no
	// prior successful Peek to select a sub-channel.
	ErrNoPeek = errors.New("channel: pop without prior peek")

	// ErrBadCoordinationBuffer indicates a coordination buffer that is
	// too small, unmapped, or misaligned for the fixed counter layout.
	ErrBadCoordinationBuffer = errors.New("channel: invalid coordination buffer")
)

// IsWouldBlock reports whether err is a transient full/empty condition the
// caller should retry after UpdateDepth. Delegates to iox for wrapped
// error support.
func IsWouldBlock(err error) bool {
	return iox.IsWouldBlock(err)
}
