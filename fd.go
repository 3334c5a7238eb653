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
	"os"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Mode is the set of directions a descriptor was opened for.
type Mode uint8

const (
	// ModeRead allows read transfers only.
	ModeRead Mode = 1 << iota
	// ModeWrite allows write transfers only.
	ModeWrite
	// ModeReadWrite allows both directions.
	ModeReadWrite = ModeRead | ModeWrite
)

// Allows tells whether transfers of direction d may be issued on the mode.
func (m Mode) Allows(d Direction) bool {
	switch d {
	case DirectionRead:
		return m&ModeRead != 0
	case DirectionWrite:
		return m&ModeWrite != 0
	}
	return false
}

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "r"
	case ModeWrite:
		return "w"
	case ModeReadWrite:
		return "rw"
	}
	return "invalid"
}

// FD is an OS descriptor handed to a Pool.
//
// An FD owns its raw handle unless it was created with BorrowFD. Once closed,
// an FD is never used for I/O again and the pool rejects transfers on it.
type FD struct {
	fd       int
	mode     Mode
	borrowed bool
	priority int
	closed   atomic.Bool
}

// NewFD takes ownership of the raw descriptor fd.
func NewFD(fd int, mode Mode) *FD {
	return &FD{fd: fd, mode: mode}
}

// BorrowFD wraps fd without taking ownership, closing the FD leaves fd open.
func BorrowFD(fd int, mode Mode) *FD {
	return &FD{fd: fd, mode: mode, borrowed: true}
}

// FromConn duplicates the descriptor behind c, which is usually a *net.TCPConn,
// *net.UnixConn or *os.File. The returned FD owns the duplicate and c stays
// usable and must be closed by the caller as usual.
func FromConn(c syscall.Conn, mode Mode) (*FD, error) {
	rc, err := c.SyscallConn()
	if err != nil {
		return nil, err
	}
	var (
		nfd    int
		dupErr error
	)
	if err = rc.Control(func(fd uintptr) {
		nfd, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, os.NewSyscallError("dup", dupErr)
	}
	unix.CloseOnExec(nfd)
	return NewFD(nfd, mode), nil
}

// Fd returns the raw descriptor.
func (f *FD) Fd() int {
	return f.fd
}

// Mode returns the directions the descriptor was opened for.
func (f *FD) Mode() Mode {
	return f.mode
}

// Borrowed tells whether the raw descriptor is owned by someone else.
func (f *FD) Borrowed() bool {
	return f.borrowed
}

// Priority returns the event priority the pool serves the descriptor at.
func (f *FD) Priority() int {
	return f.priority
}

// IsLive tells whether the descriptor may still be used for I/O.
func (f *FD) IsLive() bool {
	return f.fd >= 0 && !f.closed.Load() && f.mode != 0
}

// Close marks the FD dead and closes the raw descriptor if the FD owns it.
// Closing an FD more than once is a no-op.
func (f *FD) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if f.borrowed || f.fd < 0 {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(f.fd))
}
