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
	"os"
	"runtime/debug"
	"sort"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/netpoll"
	"github.com/panjf2000/fdpool/pkg/rate"
)

type pool struct {
	loop      EventLoop
	opts      *Options
	descs     map[int]*descriptor
	priority  int
	stats     *rate.Collection
	admission *admission
	closed    bool
}

func (p *pool) Open(f *FD) error {
	if p.closed {
		return errorx.ErrPoolClosed
	}
	if f == nil || !f.IsLive() {
		return errorx.ErrInvalidDescriptor
	}
	if _, ok := p.descs[f.fd]; ok {
		return errorx.ErrDescriptorRegistered
	}
	if limit := p.opts.MaxDescriptors; limit > 0 && len(p.descs) >= limit {
		return errorx.ErrPoolExhausted
	}
	if err := unix.SetNonblock(f.fd, true); err != nil {
		if err == unix.EBADF {
			return errorx.ErrInvalidDescriptor
		}
		return os.NewSyscallError("fcntl nonblock", err)
	}
	f.priority = p.priority
	d := &descriptor{fd: f, transfers: queue.New()}
	d.handler = func(_ int, _ netpoll.Readiness) { p.onReady(d) }
	// Registered idle right away so ties between equal priorities follow
	// the order descriptors were opened in.
	if err := p.arm(d, 0); err != nil {
		return err
	}
	p.descs[f.fd] = d
	p.opts.Logger.Debugf("fdpool: opened descriptor %d mode=%s priority=%d", f.fd, f.mode, f.priority)
	return nil
}

func (p *pool) Read(t *Transfer) error {
	return p.submit(t, DirectionRead)
}

func (p *pool) Write(t *Transfer) error {
	return p.submit(t, DirectionWrite)
}

func (p *pool) submit(t *Transfer, dir Direction) error {
	if t == nil {
		return errorx.ErrNilTransfer
	}
	if t.dir != dir {
		return errorx.ErrDirectionMismatch
	}
	if p.closed {
		return errorx.ErrPoolClosed
	}
	if t.queued || t.state != StatePending {
		return errorx.ErrTransferQueued
	}
	d, ok := p.descs[t.fd]
	if !ok || !d.usable() {
		return errorx.ErrInvalidDescriptor
	}
	if !d.fd.mode.Allows(dir) {
		return errorx.ErrDirectionMismatch
	}
	if p.admission != nil {
		if err := p.admission.admit(t.fd); err != nil {
			return err
		}
	}

	idle := d.head() == nil
	if idle && len(t.buf) == 0 {
		t.queued = true
		p.fire(t, t.finish(StateComplete, nil))
		return nil
	}
	if idle {
		if err := p.arm(d, dir); err != nil {
			return err
		}
	}
	t.queued = true
	d.transfers.Add(t)
	d.count(t)
	return nil
}

func (p *pool) Flush(fd int) (<-chan error, error) {
	ch := make(chan error, 1)
	if err := p.FlushFunc(fd, func(err error) { ch <- err }); err != nil {
		return nil, err
	}
	return ch, nil
}

func (p *pool) FlushFunc(fd int, done func(error)) error {
	if p.closed {
		return errorx.ErrPoolClosed
	}
	d, ok := p.descs[fd]
	if !ok {
		return errorx.ErrInvalidDescriptor
	}
	if done != nil {
		d.flushers = append(d.flushers, done)
	}
	d.flushing = true
	switch {
	case d.dead || !d.fd.IsLive():
		p.release(d, errorx.ErrInvalidDescriptor)
	case d.writes == 0:
		p.release(d, nil)
	}
	return nil
}

func (p *pool) Cancel(t *Transfer) error {
	if t == nil {
		return errorx.ErrNilTransfer
	}
	switch {
	case t.state == StateCancelled:
		return nil
	case t.state != StatePending || t.done > 0:
		return errorx.ErrTransferInFlight
	case !t.queued:
		p.fire(t, t.finish(StateCancelled, errorx.ErrTransferCancelled))
		return nil
	}

	d := p.descs[t.fd]
	if d != nil {
		d.uncount(t)
	}
	p.fire(t, t.finish(StateCancelled, errorx.ErrTransferCancelled))
	if d != nil && !p.closed && p.descs[t.fd] == d {
		p.advance(d)
	}
	return nil
}

func (p *pool) SetEventPriority(priority int) {
	p.priority = priority
	for _, d := range p.sorted() {
		if d.pinned {
			continue
		}
		p.reprioritize(d, priority)
	}
}

func (p *pool) EventPriority() int {
	return p.priority
}

func (p *pool) SetDescriptorPriority(fd, priority int) error {
	if p.closed {
		return errorx.ErrPoolClosed
	}
	d, ok := p.descs[fd]
	if !ok {
		return errorx.ErrInvalidDescriptor
	}
	d.pinned = true
	p.reprioritize(d, priority)
	return nil
}

func (p *pool) reprioritize(d *descriptor, priority int) {
	d.fd.priority = priority
	if !d.registered {
		return
	}
	if err := p.arm(d, d.armedDir); err != nil {
		p.opts.Logger.Warnf("fdpool: failed to re-arm descriptor %d at priority %d: %v", d.num(), priority, err)
		p.park(d)
		p.failQueued(d, err)
	}
}

func (p *pool) Stats() *rate.Collection {
	return p.stats
}

func (p *pool) SetStats(stats *rate.Collection) {
	p.stats = stats
}

func (p *pool) Pending(fd int) (reads, writes int, err error) {
	d, ok := p.descs[fd]
	if !ok {
		return 0, 0, errorx.ErrInvalidDescriptor
	}
	return d.reads, d.writes, nil
}

func (p *pool) Close() (err error) {
	if p.closed {
		return nil
	}
	p.closed = true
	descs := p.sorted()
	p.descs = make(map[int]*descriptor)
	for _, d := range descs {
		p.unregister(d)
		left := d.drain()
		flushers := d.flushers
		d.flushers = nil
		err = multierr.Append(err, d.fd.Close())
		for _, t := range left {
			p.fire(t, t.finish(StateFailed, errorx.ErrPoolClosed))
		}
		p.notify(flushers, errorx.ErrPoolClosed)
	}
	p.opts.Logger.Debugf("fdpool: closed, released %d descriptors", len(descs))
	return
}

// sorted returns the open descriptors in ascending descriptor order.
func (p *pool) sorted() []*descriptor {
	descs := make([]*descriptor, 0, len(p.descs))
	for _, d := range p.descs {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].num() < descs[j].num() })
	return descs
}

// arm registers interest in dir at the descriptor's priority unless the loop
// already watches exactly that, dir 0 leaves the descriptor registered idle.
func (p *pool) arm(d *descriptor, dir Direction) (err error) {
	prio := d.fd.priority
	if d.registered && d.armedDir == dir && d.armedPrio == prio {
		return nil
	}
	switch dir {
	case DirectionRead:
		err = p.loop.RegisterReadable(d.num(), prio, d.handler)
	case DirectionWrite:
		err = p.loop.RegisterWritable(d.num(), prio, d.handler)
	default:
		err = p.loop.RegisterIdle(d.num(), prio, d.handler)
	}
	if err != nil {
		return err
	}
	d.registered, d.armedDir, d.armedPrio = true, dir, prio
	return nil
}

// park drops the interest of d while keeping it registered.
func (p *pool) park(d *descriptor) {
	if !d.registered || d.armedDir == 0 {
		return
	}
	if err := p.arm(d, 0); err != nil {
		p.opts.Logger.Debugf("fdpool: failed to park descriptor %d: %v", d.num(), err)
		p.unregister(d)
	}
}

func (p *pool) unregister(d *descriptor) {
	if !d.registered {
		return
	}
	d.registered, d.armedDir = false, 0
	if err := p.loop.Unregister(d.num()); err != nil {
		p.opts.Logger.Debugf("fdpool: failed to unregister descriptor %d: %v", d.num(), err)
	}
}

// onReady serves the head transfer of d with one syscall.
func (p *pool) onReady(d *descriptor) {
	if p.closed || p.descs[d.num()] != d {
		return
	}
	// The number may already belong to another file.
	if !d.fd.IsLive() {
		p.kill(d)
		return
	}
	t := d.head()
	if t == nil {
		p.park(d)
		return
	}
	if d.armedDir != t.dir {
		p.advance(d)
		return
	}

	n, err := perform(d.num(), t.dir, t.buf[t.done:])
	if n > 0 {
		t.done += n
		if s := p.stats; s != nil {
			s.RecordKey(t.dir.String(), int64(n))
		}
	}
	if err == nil && n == 0 && t.dir == DirectionRead {
		err = eof(t)
	}

	switch {
	case err == nil, errors.Is(err, errWouldBlock):
		if !t.satisfied() {
			return
		}
		d.pop(t)
		p.settle(d, t, StateComplete, nil)
	case errors.Is(err, unix.EBADF):
		p.opts.Logger.Warnf("fdpool: descriptor %d went bad during %s", d.num(), t.dir)
		p.kill(d)
	default:
		d.pop(t)
		p.settle(d, t, StateFailed, err)
	}
}

// settle finishes a transfer already taken off the queue and moves on.
func (p *pool) settle(d *descriptor, t *Transfer, state State, err error) {
	p.fire(t, t.finish(state, err))
	if p.closed || p.descs[d.num()] != d {
		return
	}
	p.advance(d)
}

// advance completes leading zero-length transfers, then either releases a
// drained flushing descriptor or points the loop at the new head. A closed
// FD fails whatever it still has queued.
func (p *pool) advance(d *descriptor) {
	fd := d.num()
	if !d.fd.IsLive() {
		p.kill(d)
		return
	}
	for {
		t := d.head()
		if t == nil || len(t.buf) > 0 {
			break
		}
		d.pop(t)
		p.fire(t, t.finish(StateComplete, nil))
		if p.closed || p.descs[fd] != d {
			return
		}
	}
	if d.flushing && d.writes == 0 {
		p.release(d, nil)
		return
	}
	t := d.head()
	if t == nil {
		p.park(d)
		return
	}
	if err := p.arm(d, t.dir); err != nil {
		p.opts.Logger.Warnf("fdpool: failed to arm descriptor %d for %s: %v", fd, t.dir, err)
		p.park(d)
		p.failQueued(d, err)
	}
}

// failQueued fails every queued transfer of d with err.
func (p *pool) failQueued(d *descriptor, err error) {
	fd := d.num()
	for _, t := range d.drain() {
		p.fire(t, t.finish(StateFailed, err))
	}
	if p.closed || p.descs[fd] != d {
		return
	}
	if d.flushing {
		p.release(d, err)
	}
}

// kill marks d unusable after the kernel rejected its handle.
func (p *pool) kill(d *descriptor) {
	d.dead = true
	p.unregister(d)
	p.failQueued(d, errorx.ErrInvalidDescriptor)
}

// release removes d from the pool, closes its FD and notifies flush waiters.
func (p *pool) release(d *descriptor, err error) {
	fd := d.num()
	delete(p.descs, fd)
	p.unregister(d)
	left := d.drain()
	flushers := d.flushers
	d.flushers = nil
	if cerr := d.fd.Close(); cerr != nil {
		p.opts.Logger.Warnf("fdpool: failed to close descriptor %d: %v", fd, cerr)
	}
	p.opts.Logger.Debugf("fdpool: released descriptor %d", fd)
	for _, t := range left {
		p.fire(t, t.finish(StateFailed, errorx.ErrInvalidDescriptor))
	}
	p.notify(flushers, err)
}

func (p *pool) fire(t *Transfer, callbacks []func(*Transfer)) {
	for _, cb := range callbacks {
		p.call(func() { cb(t) })
	}
}

func (p *pool) notify(flushers []func(error), err error) {
	for _, f := range flushers {
		p.call(func() { f(err) })
	}
}

func (p *pool) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Errorf("fdpool: completion callback panicked: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}
