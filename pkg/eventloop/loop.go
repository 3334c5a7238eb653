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

// Package eventloop is the reactor an fdpool.Pool registers descriptors with.
//
// A Loop owns one poller and runs on exactly one goroutine (the one calling
// Run). Each descriptor carries a single level-triggered interest, readable or
// writable, a priority and a handler. An idle descriptor stays registered with
// no interest and is never served. When several descriptors are ready in the
// same poll, handlers run in ascending priority; descriptors with equal
// priority run in the order they were first registered, which switching or
// parking the interest does not change.
//
// Descriptors the kernel poller refuses to watch, regular files being the
// usual suspects, are treated as always ready and served on every iteration.
//
// Registration methods must be called on the loop goroutine, or before Run.
// Other goroutines hand work to the loop with Trigger.
package eventloop

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sys/unix"

	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/logging"
	"github.com/panjf2000/fdpool/pkg/netpoll"
)

// Handler is called on the loop goroutine when fd becomes ready.
// Handlers must not block.
type Handler func(fd int, r netpoll.Readiness)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
	stateClosed
)

type registration struct {
	fd       int
	interest netpoll.Readiness
	priority int
	seq      uint64
	handler  Handler
	emulated bool
}

type readyItem struct {
	reg *registration
	r   netpoll.Readiness
}

// Loop is the descriptor reactor.
type Loop struct {
	opts     *Options
	poller   *netpoll.Poller
	regs     map[int]*registration
	emulated map[int]*registration
	ready    []readyItem
	seq      uint64
	state    atomic.Int32
	done     chan struct{}
}

// New opens a poller and returns a Loop ready to Run.
func New(opts ...Option) (*Loop, error) {
	options := loadOptions(opts...)
	if options.Logger == nil {
		options.Logger = logging.GetDefaultLogger()
	}
	poller, err := netpoll.OpenPoller(options.Logger)
	if err != nil {
		return nil, err
	}
	return &Loop{
		opts:     options,
		poller:   poller,
		regs:     make(map[int]*registration),
		emulated: make(map[int]*registration),
		done:     make(chan struct{}),
	}, nil
}

func (l *Loop) getLogger() logging.Logger {
	return l.opts.Logger
}

// RegisterReadable watches fd for readability, replacing any interest
// registered for fd before.
func (l *Loop) RegisterReadable(fd, priority int, h Handler) error {
	return l.register(fd, priority, netpoll.Readable, h)
}

// RegisterWritable watches fd for writability, replacing any interest
// registered for fd before.
func (l *Loop) RegisterWritable(fd, priority int, h Handler) error {
	return l.register(fd, priority, netpoll.Writable, h)
}

// RegisterIdle registers fd with no interest, or parks the interest fd has.
// An idle descriptor keeps its place in the order of registration.
func (l *Loop) RegisterIdle(fd, priority int, h Handler) error {
	return l.register(fd, priority, 0, h)
}

func (l *Loop) register(fd, priority int, interest netpoll.Readiness, h Handler) error {
	if l.state.Load() == stateClosed {
		return errorx.ErrLoopClosed
	}
	if h == nil {
		return errorx.ErrNilRunnable
	}
	reg, ok := l.regs[fd]
	if !ok {
		reg = &registration{fd: fd, seq: l.seq}
		if err := l.watch(reg, interest, true); err != nil {
			return err
		}
		l.seq++
		l.regs[fd] = reg
	} else if reg.interest != interest {
		if err := l.watch(reg, interest, false); err != nil {
			return err
		}
	}
	reg.interest, reg.priority, reg.handler = interest, priority, h
	if reg.emulated && interest != 0 {
		l.emulated[fd] = reg
	} else {
		delete(l.emulated, fd)
	}
	return nil
}

// watch points the poller at interest, falling back to emulation for
// descriptors the poller refuses.
func (l *Loop) watch(reg *registration, interest netpoll.Readiness, add bool) (err error) {
	if reg.emulated {
		return nil
	}
	switch {
	case add && interest == netpoll.Readable:
		err = l.poller.AddRead(reg.fd)
	case add && interest == netpoll.Writable:
		err = l.poller.AddWrite(reg.fd)
	case add:
		err = l.poller.AddParked(reg.fd)
	case interest == netpoll.Readable:
		err = l.poller.ModRead(reg.fd)
	case interest == netpoll.Writable:
		err = l.poller.ModWrite(reg.fd)
	default:
		err = l.poller.Park(reg.fd)
	}
	if err == nil {
		return nil
	}
	if !refusedByPoller(err) {
		return err
	}
	reg.emulated = true
	l.getLogger().Debugf("descriptor %d cannot be polled, it is served as always ready: %v", reg.fd, err)
	return nil
}

// refusedByPoller tells whether the poller rejected a descriptor type it
// cannot watch: epoll answers EPERM for regular files and directories, kqueue
// answers EINVAL for unsupported filters on vnodes.
func refusedByPoller(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.EINVAL)
}

// Unregister removes every interest of fd, it's a no-op for unknown descriptors.
func (l *Loop) Unregister(fd int) error {
	reg, ok := l.regs[fd]
	if !ok {
		return nil
	}
	delete(l.regs, fd)
	delete(l.emulated, fd)
	if reg.emulated {
		return nil
	}
	if l.state.Load() == stateClosed {
		return nil
	}
	return l.poller.Delete(fd)
}

// Registered tells whether fd currently has an interest registered.
func (l *Loop) Registered(fd int) bool {
	_, ok := l.regs[fd]
	return ok
}

// Trigger runs fn on the loop goroutine, it's safe to call from any goroutine.
func (l *Loop) Trigger(fn func()) error {
	if fn == nil {
		return errorx.ErrNilRunnable
	}
	if l.state.Load() >= stateStopped {
		return errorx.ErrLoopClosed
	}
	return l.poller.Trigger(func(any) error {
		fn()
		return nil
	}, nil)
}

// Stop asks a running loop to return from Run, it's safe to call from any goroutine.
func (l *Loop) Stop() error {
	if l.state.Load() >= stateStopped {
		return nil
	}
	return l.poller.Trigger(func(any) error {
		return errorx.ErrLoopShutdown
	}, nil)
}

// Run serves readiness events on the calling goroutine until Stop is called
// or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(stateIdle, stateRunning) {
		if l.state.Load() == stateRunning {
			return errorx.ErrLoopRunning
		}
		return errorx.ErrLoopClosed
	}
	defer close(l.done)

	if l.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = l.Stop()
			case <-l.done:
			}
		}()
	}

	err := l.poller.Polling(l.dispatch)
	l.state.Store(stateStopped)
	if errors.Is(err, errorx.ErrLoopShutdown) {
		l.getLogger().Debugf("event-loop is exiting in terms of the demand from user, %v", err)
		err = nil
	} else if err != nil {
		l.getLogger().Errorf("event-loop is exiting due to error: %v", err)
	}
	return err
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Close releases the poller, the loop must not be running.
func (l *Loop) Close() error {
	if l.state.Swap(stateClosed) == stateClosed {
		return nil
	}
	return l.poller.Close()
}

func (l *Loop) dispatch(batch []netpoll.Event) (bool, error) {
	l.ready = l.ready[:0]
	for _, ev := range batch {
		reg, ok := l.regs[ev.FD]
		if !ok {
			// The descriptor went away while its event was in flight, make
			// sure the poller forgets about it too.
			l.getLogger().Warnf("received event[fd=%d|readiness=%s] of a stale descriptor", ev.FD, ev.Readiness)
			_ = l.poller.Delete(ev.FD)
			continue
		}
		if reg.interest == 0 {
			continue
		}
		l.ready = append(l.ready, readyItem{reg: reg, r: ev.Readiness})
	}
	for _, reg := range l.emulated {
		l.ready = append(l.ready, readyItem{reg: reg, r: reg.interest})
	}
	sort.Slice(l.ready, func(i, j int) bool {
		a, b := l.ready[i].reg, l.ready[j].reg
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.seq < b.seq
	})

	for i := range l.ready {
		item := &l.ready[i]
		// An earlier handler of this batch may have unregistered or parked the descriptor.
		if l.regs[item.reg.fd] != item.reg || item.reg.interest == 0 {
			continue
		}
		l.serve(item.reg, item.r)
	}
	for i := range l.ready {
		l.ready[i] = readyItem{}
	}
	return len(l.emulated) > 0, nil
}

func (l *Loop) serve(reg *registration, r netpoll.Readiness) {
	defer func() {
		if p := recover(); p != nil {
			l.getLogger().Errorf("handler of descriptor %d panicked: %v", reg.fd, p)
		}
	}()
	reg.handler(reg.fd, r)
}
