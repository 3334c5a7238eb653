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
	"github.com/eapache/queue"

	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/eventloop"
	"github.com/panjf2000/fdpool/pkg/logging"
	"github.com/panjf2000/fdpool/pkg/rate"
)

// EventLoop is the reactor a Pool registers its descriptors with,
// *eventloop.Loop implements it.
//
// A descriptor carries one interest at a time: registering replaces whatever
// was registered for it before. An idle descriptor stays registered without
// being served, and descriptors of equal priority are served in the order
// they were first registered. Handlers run on the loop goroutine, never
// concurrently with each other.
type EventLoop interface {
	RegisterReadable(fd, priority int, h eventloop.Handler) error
	RegisterWritable(fd, priority int, h eventloop.Handler) error
	RegisterIdle(fd, priority int, h eventloop.Handler) error
	Unregister(fd int) error
}

// Pool schedules transfers onto a bounded set of descriptors.
type Pool interface {
	// Open registers fd for event-driven I/O at the current default priority.
	Open(fd *FD) error

	// Read queues a read transfer behind everything already queued on its descriptor.
	Read(t *Transfer) error

	// Write queues a write transfer behind everything already queued on its descriptor.
	Write(t *Transfer) error

	// Flush stops fd from accepting transfers and releases it once its queued
	// writes have drained. The channel receives nil at that point, or the
	// error that prevented the drain. Only other goroutines may block on the
	// channel, the event-loop goroutine uses FlushFunc.
	Flush(fd int) (<-chan error, error)

	// FlushFunc is like Flush but calls done on the event-loop goroutine.
	FlushFunc(fd int, done func(error)) error

	// Cancel withdraws a transfer that has not moved any byte yet.
	Cancel(t *Transfer) error

	// SetEventPriority changes the default priority, descriptors without a
	// priority of their own follow it.
	SetEventPriority(priority int)

	// EventPriority returns the default priority.
	EventPriority() int

	// SetDescriptorPriority pins the priority of one descriptor.
	SetDescriptorPriority(fd, priority int) error

	// Stats returns the attached rate collection, nil if none.
	Stats() *rate.Collection

	// SetStats attaches a rate collection, nil disables accounting.
	SetStats(stats *rate.Collection)

	// Pending returns the number of queued reads and writes of fd.
	Pending(fd int) (reads, writes int, err error)

	// Close tears the pool down, failing every outstanding transfer and
	// flush with errors.ErrPoolClosed and closing all descriptors.
	Close() error
}

// Create returns a pool bound to loop.
func Create(loop EventLoop, opts ...Option) (Pool, error) {
	if loop == nil {
		return nil, errorx.ErrInvalidEventLoop
	}
	options := loadOptions(opts...)
	if options.Logger == nil {
		options.Logger = logging.GetDefaultLogger()
	}
	p := &pool{
		loop:     loop,
		opts:     options,
		descs:    make(map[int]*descriptor),
		priority: options.EventPriority,
		stats:    options.Stats,
	}
	if len(options.AdmissionRates) > 0 {
		adm, err := newAdmission(options.AdmissionRates)
		if err != nil {
			return nil, err
		}
		p.admission = adm
	}
	return p, nil
}

// descriptor is the pool-side state of one open FD.
type descriptor struct {
	fd         *FD
	transfers  *queue.Queue // *Transfer, cancelled ones are skipped lazily
	handler    eventloop.Handler
	reads      int
	writes     int
	pinned     bool
	registered bool
	armedDir   Direction // 0 while parked
	armedPrio  int
	flushing   bool
	flushers   []func(error)
	dead       bool
}

func (d *descriptor) num() int {
	return d.fd.fd
}

// usable tells whether new transfers may be queued on the descriptor.
func (d *descriptor) usable() bool {
	return !d.flushing && !d.dead && d.fd.IsLive()
}

// head returns the first live transfer, dropping cancelled ones on the way.
func (d *descriptor) head() *Transfer {
	for d.transfers.Length() > 0 {
		t := d.transfers.Peek().(*Transfer)
		if t.state == StateCancelled {
			d.transfers.Remove()
			continue
		}
		return t
	}
	return nil
}

// pop removes the head transfer, which must be t.
func (d *descriptor) pop(t *Transfer) {
	d.transfers.Remove()
	d.uncount(t)
}

func (d *descriptor) count(t *Transfer) {
	if t.dir == DirectionRead {
		d.reads++
	} else {
		d.writes++
	}
}

func (d *descriptor) uncount(t *Transfer) {
	if t.dir == DirectionRead {
		d.reads--
	} else {
		d.writes--
	}
}

// drain empties the queue and returns the live transfers in queue order.
func (d *descriptor) drain() []*Transfer {
	var live []*Transfer
	for d.transfers.Length() > 0 {
		t := d.transfers.Remove().(*Transfer)
		if t.state == StatePending {
			live = append(live, t)
		}
	}
	d.reads, d.writes = 0, 0
	return live
}
