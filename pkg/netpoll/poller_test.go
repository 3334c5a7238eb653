// Copyright (c) 2019 The Gnet Authors. All rights reserved.
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

package netpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/logging"
)

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

func openPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := OpenPoller(logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPollingReadable(t *testing.T) {
	p := openPoller(t)
	r, w := newPipe(t)
	require.NoError(t, p.AddRead(r))
	_, err := unix.Write(w, []byte("ping"))
	require.NoError(t, err)

	var got []Event
	err = p.Polling(func(batch []Event) (bool, error) {
		got = append(got, batch...)
		return false, errorx.ErrLoopShutdown
	})
	assert.ErrorIs(t, err, errorx.ErrLoopShutdown)
	require.Len(t, got, 1)
	assert.Equal(t, r, got[0].FD)
	assert.True(t, got[0].Readiness.Readable())
	assert.False(t, got[0].Readiness.Writable())
}

func TestPollingSwitchDirection(t *testing.T) {
	p := openPoller(t)
	r, w := newPipe(t)
	require.NoError(t, p.AddRead(w))
	require.NoError(t, p.ModWrite(w))

	var got []Event
	err := p.Polling(func(batch []Event) (bool, error) {
		got = append(got, batch...)
		return false, errorx.ErrLoopShutdown
	})
	assert.ErrorIs(t, err, errorx.ErrLoopShutdown)
	require.Len(t, got, 1)
	assert.Equal(t, w, got[0].FD)
	assert.True(t, got[0].Readiness.Writable())

	require.NoError(t, p.Delete(w))
	require.NoError(t, p.AddRead(r))
	require.NoError(t, p.ModRead(r))
	require.NoError(t, p.Delete(r))
}

func TestTrigger(t *testing.T) {
	p := openPoller(t)
	done := make(chan error, 1)
	go func() {
		done <- p.Polling(func([]Event) (bool, error) { return false, nil })
	}()

	var order []int
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Trigger(func(arg any) error {
			order = append(order, arg.(int))
			return nil
		}, i))
	}
	require.NoError(t, p.Trigger(func(any) error { return errorx.ErrLoopShutdown }, nil))
	assert.ErrorIs(t, p.Trigger(nil, nil), errorx.ErrNilRunnable)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errorx.ErrLoopShutdown)
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not exit")
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPollingSpin(t *testing.T) {
	p := openPoller(t)
	r, w := newPipe(t)
	require.NoError(t, p.AddRead(r))
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	calls := 0
	err = p.Polling(func(batch []Event) (bool, error) {
		calls++
		if calls == 1 {
			require.Len(t, batch, 1)
			var buf [1]byte
			_, _ = unix.Read(r, buf[:])
			return true, nil
		}
		assert.Empty(t, batch, "spinning polls are delivered even without events")
		return false, errorx.ErrLoopShutdown
	})
	assert.ErrorIs(t, err, errorx.ErrLoopShutdown)
	assert.Equal(t, 2, calls)
}

func TestPollingAfterTasks(t *testing.T) {
	p := openPoller(t)
	ran := false
	require.NoError(t, p.Trigger(func(any) error {
		ran = true
		return nil
	}, nil))

	err := p.Polling(func(batch []Event) (bool, error) {
		assert.Empty(t, batch)
		if ran {
			return false, errorx.ErrLoopShutdown
		}
		return false, nil
	})
	assert.ErrorIs(t, err, errorx.ErrLoopShutdown, "the handler gets a look after every round of tasks")
}

func TestReadinessString(t *testing.T) {
	assert.Equal(t, "none", Readiness(0).String())
	assert.Equal(t, "readable", Readable.String())
	assert.Equal(t, "readable|writable|hangup", (Readable | Writable | Hangup).String())
}
