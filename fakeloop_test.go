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
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/panjf2000/fdpool/pkg/eventloop"
	"github.com/panjf2000/fdpool/pkg/logging"
	"github.com/panjf2000/fdpool/pkg/netpoll"
)

type fakeRegistration struct {
	dir      Direction
	priority int
	seq      int
	handler  eventloop.Handler
}

// fakeLoop records registrations and delivers readiness only when a test
// says so, the same way a single poll batch of eventloop.Loop would.
type fakeLoop struct {
	regs  map[int]*fakeRegistration
	seq   int
	calls []string
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{regs: make(map[int]*fakeRegistration)}
}

func (f *fakeLoop) RegisterReadable(fd, priority int, h eventloop.Handler) error {
	f.register(fd, priority, DirectionRead, h)
	return nil
}

func (f *fakeLoop) RegisterWritable(fd, priority int, h eventloop.Handler) error {
	f.register(fd, priority, DirectionWrite, h)
	return nil
}

func (f *fakeLoop) RegisterIdle(fd, priority int, h eventloop.Handler) error {
	f.register(fd, priority, 0, h)
	return nil
}

func (f *fakeLoop) register(fd, priority int, dir Direction, h eventloop.Handler) {
	reg, ok := f.regs[fd]
	if !ok {
		f.seq++
		reg = &fakeRegistration{seq: f.seq}
		f.regs[fd] = reg
	}
	reg.dir, reg.priority, reg.handler = dir, priority, h
	if dir == 0 {
		f.calls = append(f.calls, "idle")
	} else {
		f.calls = append(f.calls, dir.String())
	}
}

func (f *fakeLoop) Unregister(fd int) error {
	if _, ok := f.regs[fd]; ok {
		delete(f.regs, fd)
		f.calls = append(f.calls, "unregister")
	}
	return nil
}

func (f *fakeLoop) interest(fd int) (Direction, int, bool) {
	reg, ok := f.regs[fd]
	if !ok {
		return 0, 0, false
	}
	return reg.dir, reg.priority, true
}

// fire makes the given descriptors ready in one batch and returns the order
// in which their handlers ran. Idle descriptors are left out.
func (f *fakeLoop) fire(fds ...int) []int {
	batch := make([]int, 0, len(fds))
	for _, fd := range fds {
		if reg, ok := f.regs[fd]; ok && reg.dir != 0 {
			batch = append(batch, fd)
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := f.regs[batch[i]], f.regs[batch[j]]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})
	var served []int
	for _, fd := range batch {
		reg, ok := f.regs[fd]
		if !ok || reg.dir == 0 {
			continue
		}
		r := netpoll.Writable
		if reg.dir == DirectionRead {
			r = netpoll.Readable
		}
		served = append(served, fd)
		reg.handler(fd, r)
	}
	return served
}

// fireUntil keeps making fd ready until t has finished.
func (f *fakeLoop) fireUntil(t *testing.T, fd int, tr *Transfer) {
	t.Helper()
	for i := 0; i < 1<<16 && tr.State() == StatePending; i++ {
		if len(f.fire(fd)) == 0 {
			break
		}
	}
	require.NotEqual(t, StatePending, tr.State(), "transfer on descriptor %d never finished", fd)
}

func newTestPool(t *testing.T, opts ...Option) (*pool, *fakeLoop) {
	t.Helper()
	loop := newFakeLoop()
	opts = append([]Option{WithLogger(logging.NewNopLogger())}, opts...)
	p, err := Create(loop, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p.(*pool), loop
}

// socketPair returns a connected pair, the first end is left for an FD to own.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], fds[1]
}

// openPair opens one end of a fresh socketpair in p and returns the FD and
// the peer handle.
func openPair(t *testing.T, p Pool, mode Mode) (*FD, int) {
	t.Helper()
	a, b := socketPair(t)
	f := NewFD(a, mode)
	require.NoError(t, p.Open(f))
	return f, b
}

func peerRead(t *testing.T, fd, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return buf[:got]
}

func peerWrite(t *testing.T, fd int, b []byte) {
	t.Helper()
	n, err := unix.Write(fd, b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
}
