// Copyright (c) 2024 The Gnet Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines common errors for fdpool.
package errors

import "errors"

var (
	// ErrInvalidEventLoop occurs when trying to create a pool without an event-loop.
	ErrInvalidEventLoop = errors.New("fdpool: the event-loop is nil")
	// ErrInvalidDescriptor occurs when an operation references a descriptor that is not open in the pool,
	// has been flushed, closed or detected as dead.
	ErrInvalidDescriptor = errors.New("fdpool: invalid descriptor")
	// ErrDirectionMismatch occurs when reading from a write-only descriptor or writing to a read-only one.
	ErrDirectionMismatch = errors.New("fdpool: transfer direction does not match the descriptor mode")
	// ErrDescriptorRegistered occurs when opening a descriptor that is already registered in the pool.
	ErrDescriptorRegistered = errors.New("fdpool: descriptor is already registered")
	// ErrPoolExhausted occurs when opening a descriptor would exceed the maximum number of live descriptors.
	ErrPoolExhausted = errors.New("fdpool: too many live descriptors")
	// ErrPoolClosed is delivered to every outstanding transfer and flush when the pool is torn down.
	ErrPoolClosed = errors.New("fdpool: pool is closed")
	// ErrNilTransfer occurs when passing a nil transfer to the pool.
	ErrNilTransfer = errors.New("fdpool: nil transfer is not allowed")
	// ErrTransferQueued occurs when submitting a transfer that has already been submitted.
	ErrTransferQueued = errors.New("fdpool: transfer has already been submitted")
	// ErrTransferInFlight occurs when cancelling a transfer that has already moved bytes or finished.
	ErrTransferInFlight = errors.New("fdpool: transfer is in flight and cannot be cancelled")
	// ErrTransferCancelled is delivered to a transfer that was withdrawn by its owner.
	ErrTransferCancelled = errors.New("fdpool: transfer was cancelled")
	// ErrRateLimited occurs when admission control rejects a transfer on a busy descriptor.
	ErrRateLimited = errors.New("fdpool: descriptor is rate limited")
	// ErrNegativeSize occurs when passing a negative size to a buffer or a transfer.
	ErrNegativeSize = errors.New("fdpool: negative size is not allowed")
	// ErrLoopShutdown occurs when the event-loop is stopping, it makes the poller exit.
	ErrLoopShutdown = errors.New("fdpool: event-loop is going to be shutdown")
	// ErrLoopClosed occurs when using an event-loop that has been closed.
	ErrLoopClosed = errors.New("fdpool: event-loop is closed")
	// ErrLoopRunning occurs when running an event-loop more than once.
	ErrLoopRunning = errors.New("fdpool: event-loop is already running")
	// ErrNilRunnable occurs when triggering a nil task on the event-loop.
	ErrNilRunnable = errors.New("fdpool: nil runnable is not allowed")
)
