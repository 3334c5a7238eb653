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

/*
Package fdpool lets many logical read and write requests share a bounded set
of non-blocking descriptors driven by a single event-loop.

A Pool is bound to an EventLoop, usually an *eventloop.Loop. Descriptors are
handed to the pool with Open, transfers are queued with Read and Write and
finish asynchronously on the event-loop goroutine:

	loop, err := eventloop.New()
	if err != nil {
		// handle error
	}
	p, err := fdpool.Create(loop, fdpool.WithStats(rate.New(5*time.Second, 5)))
	if err != nil {
		// handle error
	}
	go loop.Run(ctx)

	_ = loop.Trigger(func() {
		_ = p.Open(fdpool.NewFD(fd, fdpool.ModeReadWrite))
		t := fdpool.NewWrite(fd, []byte("hello"))
		t.OnDone(func(t *fdpool.Transfer) {
			if t.Err() != nil {
				// handle error
			}
		})
		_ = p.Write(t)
	})

Transfers on one descriptor are served one at a time, strictly in submission
order whatever their direction; every readiness notification performs at
most one system call for the transfer at the head of the queue. Descriptors
that are ready at the same time are served in ascending priority, equal
priorities in the order the descriptors were opened.

Flush stops a descriptor from accepting transfers, waits until its queued
writes have drained, then releases it: reads left in the queue fail, the
descriptor is unregistered from the loop and closed.

Every method of a Pool must be called on the event-loop goroutine, other
goroutines go through eventloop.Loop.Trigger.
*/
package fdpool
