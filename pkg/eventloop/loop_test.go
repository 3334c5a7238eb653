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

package eventloop

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/logging"
	"github.com/panjf2000/fdpool/pkg/netpoll"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(WithLogger(logging.NewNopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	require.NoError(t, unix.SetNonblock(p[0], true))
	require.NoError(t, unix.SetNonblock(p[1], true))
	t.Cleanup(func() {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
	})
	return p[0], p[1]
}

func runLoop(t *testing.T, l *Loop) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	return errCh
}

func waitLoop(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event-loop did not exit")
	}
}

func TestPriorityOrder(t *testing.T) {
	l := newLoop(t)
	ra, wa := newPipe(t)
	rb, wb := newPipe(t)
	rc, wc := newPipe(t)
	for _, w := range []int{wa, wb, wc} {
		_, err := unix.Write(w, []byte("x"))
		require.NoError(t, err)
	}

	var order []int
	handler := func(fd int, r netpoll.Readiness) {
		assert.True(t, r.Readable())
		order = append(order, fd)
		_ = l.Unregister(fd)
		if len(order) == 3 {
			_ = l.Stop()
		}
	}
	// Registered first but with the lowest urgency.
	require.NoError(t, l.RegisterReadable(ra, 5, handler))
	require.NoError(t, l.RegisterReadable(rb, 0, handler))
	require.NoError(t, l.RegisterReadable(rc, 0, handler))

	waitLoop(t, runLoop(t, l))
	assert.Equal(t, []int{rb, rc, ra}, order)
}

func TestIdleKeepsRegistrationOrder(t *testing.T) {
	l := newLoop(t)
	_, wa := newPipe(t)
	_, wb := newPipe(t)

	var order []int
	handler := func(fd int, r netpoll.Readiness) {
		assert.True(t, r.Writable())
		order = append(order, fd)
		_ = l.Unregister(fd)
		if len(order) == 2 {
			_ = l.Stop()
		}
	}
	require.NoError(t, l.RegisterIdle(wa, 0, handler))
	require.NoError(t, l.RegisterIdle(wb, 0, handler))
	assert.True(t, l.Registered(wa))
	// wb asks for writability first, wa still goes first.
	require.NoError(t, l.RegisterWritable(wb, 0, handler))
	require.NoError(t, l.RegisterWritable(wa, 0, handler))
	require.NoError(t, l.RegisterIdle(wa, 0, handler))
	require.NoError(t, l.RegisterWritable(wa, 0, handler))

	waitLoop(t, runLoop(t, l))
	assert.Equal(t, []int{wa, wb}, order)
}

func TestIdleDescriptorIsNotServed(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "idle")
	require.NoError(t, err)
	defer f.Close()
	_, w := newPipe(t)

	l := newLoop(t)
	served := func(fd int, _ netpoll.Readiness) { t.Errorf("idle descriptor %d was served", fd) }
	require.NoError(t, l.RegisterIdle(int(f.Fd()), 0, served))
	require.NoError(t, l.RegisterIdle(w, 0, served))

	errCh := runLoop(t, l)
	require.NoError(t, l.Trigger(func() {}))
	require.NoError(t, l.Trigger(func() { _ = l.Stop() }))
	waitLoop(t, errCh)
	assert.True(t, l.Registered(int(f.Fd())))
}

func TestReplaceInterest(t *testing.T) {
	l := newLoop(t)
	_, w := newPipe(t)

	var got []netpoll.Readiness
	require.NoError(t, l.RegisterReadable(w, 0, func(int, netpoll.Readiness) {
		t.Error("write end of a pipe never becomes readable")
	}))
	require.NoError(t, l.RegisterWritable(w, 0, func(fd int, rd netpoll.Readiness) {
		got = append(got, rd)
		_ = l.Unregister(fd)
		_ = l.Stop()
	}))
	assert.True(t, l.Registered(w))

	waitLoop(t, runLoop(t, l))
	require.Len(t, got, 1)
	assert.True(t, got[0].Writable())
	assert.False(t, l.Registered(w))
}

func TestTriggerFromOtherGoroutines(t *testing.T) {
	l := newLoop(t)
	errCh := runLoop(t, l)

	var (
		wg    sync.WaitGroup
		count int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Trigger(func() { count++ }))
		}()
	}
	wg.Wait()
	require.NoError(t, l.Trigger(func() { _ = l.Stop() }))
	waitLoop(t, errCh)
	assert.Equal(t, 10, count)
	assert.ErrorIs(t, l.Trigger(func() {}), errorx.ErrLoopClosed)
	assert.ErrorIs(t, l.Trigger(nil), errorx.ErrNilRunnable)
}

func TestRunTwice(t *testing.T) {
	l := newLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return l.state.Load() == stateRunning }, time.Second, time.Millisecond)
	assert.ErrorIs(t, l.Run(ctx), errorx.ErrLoopRunning)
	cancel()
	waitLoop(t, errCh)
	<-l.Done()
}

func TestRegularFileIsAlwaysReady(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "regular")
	require.NoError(t, err)
	defer f.Close()
	// kqueue watches vnodes and reports them readable until the offset hits EOF.
	_, err = f.WriteString("regular file content")
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	l := newLoop(t)
	calls := 0
	require.NoError(t, l.RegisterReadable(int(f.Fd()), 0, func(fd int, r netpoll.Readiness) {
		calls++
		assert.True(t, r.Readable())
		if calls == 3 {
			_ = l.Unregister(fd)
			_ = l.Stop()
		}
	}))
	waitLoop(t, runLoop(t, l))
	assert.Equal(t, 3, calls)
}

func TestHandlerPanicIsContained(t *testing.T) {
	l := newLoop(t)
	r, w := newPipe(t)
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, l.RegisterReadable(r, 0, func(fd int, _ netpoll.Readiness) {
		_ = l.Unregister(fd)
		_ = l.Stop()
		panic("boom")
	}))
	waitLoop(t, runLoop(t, l))
}

func TestClosedLoop(t *testing.T) {
	l := newLoop(t)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.RegisterReadable(0, 0, func(int, netpoll.Readiness) {}), errorx.ErrLoopClosed)
	assert.ErrorIs(t, l.Run(context.Background()), errorx.ErrLoopClosed)
	assert.NoError(t, l.Unregister(42))
}
