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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func TestFDCloseIsIdempotent(t *testing.T) {
	a, _ := socketPair(t)
	f := NewFD(a, ModeReadWrite)
	assert.True(t, f.IsLive())
	assert.False(t, f.Borrowed())

	require.NoError(t, f.Close())
	assert.False(t, f.IsLive())
	assert.False(t, isOpen(a))
	assert.NoError(t, f.Close(), "closing twice is a no-op")
	assert.NoError(t, f.Close())
}

func TestBorrowedFDKeepsHandle(t *testing.T) {
	a, _ := socketPair(t)
	t.Cleanup(func() { _ = unix.Close(a) })
	f := BorrowFD(a, ModeRead)
	assert.True(t, f.Borrowed())
	require.NoError(t, f.Close())
	assert.False(t, f.IsLive())
	assert.True(t, isOpen(a), "a borrowed handle belongs to somebody else")
}

func TestFDIsLive(t *testing.T) {
	assert.False(t, NewFD(-1, ModeRead).IsLive())
	assert.False(t, NewFD(0, 0).IsLive())
	assert.True(t, BorrowFD(0, ModeRead).IsLive())
}

func TestFromConn(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})

	f, err := FromConn(w, ModeWrite)
	require.NoError(t, err)
	assert.NotEqual(t, int(w.Fd()), f.Fd())
	assert.Equal(t, ModeWrite, f.Mode())

	n, err := unix.Write(f.Fd(), []byte("dup"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	buf := make([]byte, 3)
	_, err = r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "dup", string(buf))

	require.NoError(t, f.Close())
	_, err = w.Write([]byte("x"))
	assert.NoError(t, err, "closing the duplicate leaves the original open")
}

func TestMode(t *testing.T) {
	cases := []struct {
		mode        Mode
		read, write bool
		name        string
	}{
		{ModeRead, true, false, "r"},
		{ModeWrite, false, true, "w"},
		{ModeReadWrite, true, true, "rw"},
		{0, false, false, "invalid"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.read, c.mode.Allows(DirectionRead))
			assert.Equal(t, c.write, c.mode.Allows(DirectionWrite))
			assert.False(t, c.mode.Allows(0))
			assert.Equal(t, c.name, c.mode.String())
		})
	}
}
