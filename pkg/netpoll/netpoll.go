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

/*
Package netpoll provides the readiness notification facility that drives an
fdpool event-loop.

The underlying facility is OS-specific:
  - epoll on Linux - https://man7.org/linux/man-pages/man7/epoll.7.html
  - kqueue on Darwin/FreeBSD/DragonFly - https://man.freebsd.org/cgi/man.cgi?kqueue

Interest is level-triggered and a descriptor watches one direction at a time:
AddRead/AddWrite register it, ModRead/ModWrite switch the direction and Delete
removes it. Park stops watching a descriptor without removing it, AddParked
registers one that way.

Polling hands every batch of ready descriptors to a BatchHandler at once, so
that the caller can decide in which order the descriptors of a batch are
served:

	poller, err := netpoll.OpenPoller(nil)
	if err != nil {
		// handle error
	}
	defer poller.Close()

	_ = poller.AddRead(fd)
	err = poller.Polling(func(batch []netpoll.Event) (bool, error) {
		for _, ev := range batch {
			if ev.Readiness.Readable() {
				// read from ev.FD
			}
		}
		return false, nil
	})

Other goroutines hand work to the polling goroutine with Trigger, a task that
returns errors.ErrLoopShutdown makes Polling return.
*/
package netpoll

// Readiness is the set of conditions reported for a descriptor.
type Readiness uint8

const (
	// Readable means a read will not block.
	Readable Readiness = 1 << iota
	// Writable means a write will not block.
	Writable
	// Hangup means the peer hung up or the descriptor is in an error state,
	// the next I/O on it reports the condition.
	Hangup
)

// Readable reports whether r contains Readable.
func (r Readiness) Readable() bool { return r&Readable != 0 }

// Writable reports whether r contains Writable.
func (r Readiness) Writable() bool { return r&Writable != 0 }

// Hangup reports whether r contains Hangup.
func (r Readiness) Hangup() bool { return r&Hangup != 0 }

func (r Readiness) String() string {
	if r == 0 {
		return "none"
	}
	s := ""
	for _, c := range []struct {
		bit  Readiness
		name string
	}{{Readable, "readable"}, {Writable, "writable"}, {Hangup, "hangup"}} {
		if r&c.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += c.name
		}
	}
	return s
}

// Event is one ready descriptor of a batch.
type Event struct {
	FD        int
	Readiness Readiness
}

// BatchHandler is invoked with each batch of ready descriptors. Returning
// spin=true asks the poller to poll again without blocking, which is how the
// caller keeps serving descriptors the kernel cannot watch.
type BatchHandler func(batch []Event) (spin bool, err error)
