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

//go:build darwin || dragonfly || freebsd || linux

package fdpool

import (
	"github.com/panjf2000/fdpool/pkg/pool/bytebuffer"
	"github.com/panjf2000/fdpool/pkg/pool/byteslice"
)

// Direction tells whether a transfer moves bytes in or out of a descriptor.
type Direction uint8

const (
	// DirectionRead moves bytes from the descriptor into the buffer.
	DirectionRead Direction = iota + 1
	// DirectionWrite moves bytes from the buffer into the descriptor.
	DirectionWrite
)

func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	}
	return "unknown"
}

// State is the progress of a transfer.
type State uint8

const (
	// StatePending is the state of a transfer until it finishes, partial
	// progress shows in BytesRemaining.
	StatePending State = iota
	// StateComplete means the transfer moved the bytes it asked for.
	StateComplete
	// StateFailed means the transfer hit an error, see Transfer.Err.
	StateFailed
	// StateCancelled means the owner withdrew the transfer before it moved any byte.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Transfer is one read or write request against a descriptor of a Pool.
//
// The direction and the buffer of a transfer never change once it is
// submitted. Its progress is mutated by the pool on the event-loop goroutine;
// other goroutines must wait for Done before looking at it.
type Transfer struct {
	dir       Direction
	fd        int
	buf       []byte
	least     int
	done      int
	state     State
	err       error
	queued    bool
	pooled    bool
	bb        *bytebuffer.ByteBuffer
	callbacks []func(*Transfer)
	doneCh    chan struct{}
}

func newTransfer(dir Direction, fd int, buf []byte, least int) *Transfer {
	return &Transfer{dir: dir, fd: fd, buf: buf, least: least, doneCh: make(chan struct{})}
}

// NewRead returns a transfer that completes once buf is full.
func NewRead(fd int, buf []byte) *Transfer {
	return newTransfer(DirectionRead, fd, buf, len(buf))
}

// NewReadAtLeast returns a transfer that completes as soon as `least` or more
// bytes have been read into buf. least is clamped into [1, len(buf)].
func NewReadAtLeast(fd int, buf []byte, least int) *Transfer {
	if least > len(buf) {
		least = len(buf)
	}
	if least < 1 && len(buf) > 0 {
		least = 1
	}
	return newTransfer(DirectionRead, fd, buf, least)
}

// AcquireRead is like NewRead with a buffer of n bytes taken from the
// byteslice pool, call Release once the data is no longer needed.
func AcquireRead(fd, n int) *Transfer {
	t := NewRead(fd, byteslice.Get(n))
	t.pooled = true
	return t
}

// NewWrite returns a transfer that completes once all of buf is written.
func NewWrite(fd int, buf []byte) *Transfer {
	return newTransfer(DirectionWrite, fd, buf, len(buf))
}

// NewBufferedWrite writes the contents of b and takes ownership of it, b goes
// back to the bytebuffer pool on Release.
func NewBufferedWrite(fd int, b *bytebuffer.ByteBuffer) *Transfer {
	t := NewWrite(fd, b.B)
	t.bb = b
	return t
}

// FD returns the descriptor the transfer targets.
func (t *Transfer) FD() int {
	return t.fd
}

// Direction returns the direction of the transfer.
func (t *Transfer) Direction() Direction {
	return t.dir
}

// Size returns the number of bytes requested.
func (t *Transfer) Size() int {
	return len(t.buf)
}

// BytesDone returns the number of bytes moved so far.
func (t *Transfer) BytesDone() int {
	return t.done
}

// BytesRemaining returns the number of bytes not moved yet.
func (t *Transfer) BytesRemaining() int {
	return len(t.buf) - t.done
}

// Bytes returns the part of the buffer that has been transferred.
func (t *Transfer) Bytes() []byte {
	return t.buf[:t.done]
}

// State returns the progress of the transfer.
func (t *Transfer) State() State {
	return t.state
}

// Complete reports whether the transfer finished successfully.
func (t *Transfer) Complete() bool {
	return t.state == StateComplete
}

// Err returns the error a failed or cancelled transfer finished with.
func (t *Transfer) Err() error {
	return t.err
}

// Done is closed once the transfer finishes, whatever the outcome.
func (t *Transfer) Done() <-chan struct{} {
	return t.doneCh
}

// OnDone registers cb to run when the transfer finishes. Callbacks run on the
// event-loop goroutine in registration order and must not block; when the
// transfer has already finished, cb runs right away on the caller.
func (t *Transfer) OnDone(cb func(*Transfer)) {
	if cb == nil {
		return
	}
	if t.state != StatePending {
		cb(t)
		return
	}
	t.callbacks = append(t.callbacks, cb)
}

// Release hands a buffer obtained by AcquireRead or NewBufferedWrite back to
// its pool, the transfer must have finished.
func (t *Transfer) Release() {
	if t.state == StatePending {
		return
	}
	switch {
	case t.pooled:
		t.pooled = false
		byteslice.Put(t.buf)
	case t.bb != nil:
		bytebuffer.Put(t.bb)
		t.bb = nil
	default:
		return
	}
	t.buf, t.done = nil, 0
}

func (t *Transfer) satisfied() bool {
	return t.done >= t.least
}

// finish moves the transfer into its final state exactly once and returns the
// callbacks to run.
func (t *Transfer) finish(state State, err error) []func(*Transfer) {
	if t.state != StatePending {
		return nil
	}
	t.state, t.err = state, err
	cbs := t.callbacks
	t.callbacks = nil
	close(t.doneCh)
	return cbs
}
