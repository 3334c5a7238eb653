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
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("fdpool: operation would block")

// perform runs one non-blocking syscall moving at most len(b) bytes.
func perform(fd int, dir Direction, b []byte) (int, error) {
	var (
		n   int
		err error
	)
	for {
		if dir == DirectionRead {
			n, err = unix.Read(fd, b)
		} else {
			n, err = unix.Write(fd, b)
		}
		if err != unix.EINTR {
			break
		}
	}
	if n < 0 {
		n = 0
	}
	switch err {
	case nil:
		return n, nil
	case unix.EAGAIN:
		return n, errWouldBlock
	case unix.EBADF:
		return n, err
	}
	if dir == DirectionRead {
		return n, os.NewSyscallError("read", err)
	}
	return n, os.NewSyscallError("write", err)
}

// eof is the error a read ends with when the peer closed its end early.
func eof(t *Transfer) error {
	if t.done == 0 {
		return io.EOF
	}
	return io.ErrUnexpectedEOF
}
