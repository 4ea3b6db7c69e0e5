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

//go:build !linux

package shmem

import (
	"context"
	"fmt"

	"github.com/Algebraic-Programming/onesided/memory"
)

// Arena is unavailable off Linux; the in-process memory.Domain backend
// remains usable everywhere.
type Arena struct{}

// Options configures arena creation.
type Options struct {
	Size     uint64
	Parties  int
	DirSlots uint64
}

var errPlatform = fmt.Errorf("shmem: arena requires linux: %w", memory.ErrUnsupported)

// Create is unsupported on this platform.
func Create(name string, opts Options) (*Arena, error) { return nil, errPlatform }

// Attach is unsupported on this platform.
func Attach(ctx context.Context, name string) (*Arena, error) { return nil, errPlatform }

// Unlink is unsupported on this platform.
func Unlink(name string) error { return errPlatform }
