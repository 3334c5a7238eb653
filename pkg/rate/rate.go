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

// Package rate implements the throughput accounting used by fdpool.
//
// A Collection accumulates bytes and operations into a fixed ring of time
// slots which together cover a sliding window. Recording into a slot that
// belongs to an expired epoch recycles it, so the oldest slot falls out of
// the window as time moves forward. Counters are reset only when their slot
// rolls over and are never decremented in between.
//
// Besides the aggregate counters, a Collection keeps named sub-rates (for
// instance "read" and "write") that share the same window geometry.
//
// A Collection is safe for concurrent use, one instance can be shared by
// several pools and by reporting code.
package rate

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultWindow is the span of the sliding window when none is given.
	DefaultWindow = 5 * time.Second
	// DefaultSlots is the number of slots when none is given.
	DefaultSlots = 5
)

// Options are the settings of a Collection.
type Options struct {
	// Clock returns the current time, it defaults to time.Now.
	Clock func() time.Time
}

// Option is a function that will set up option.
type Option func(opts *Options)

// WithClock sets up the time source of a Collection.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

type slot struct {
	epoch int64
	bytes int64
	ops   int64
}

// ring is the fixed-size circular accumulator, slot i holds the epoch e where e%len == i.
type ring []slot

func (r ring) add(epoch, n int64) {
	s := &r[int(epoch%int64(len(r)))]
	if s.epoch != epoch {
		*s = slot{epoch: epoch}
	}
	s.bytes += n
	s.ops++
}

func (r ring) sum(epoch int64) (bytes, ops int64) {
	oldest := epoch - int64(len(r))
	for i := range r {
		if s := &r[i]; s.epoch > oldest && s.epoch <= epoch {
			bytes += s.bytes
			ops += s.ops
		}
	}
	return
}

func (r ring) reset() {
	for i := range r {
		r[i] = slot{}
	}
}

// Stats is a point-in-time view of a Collection.
type Stats struct {
	Bytes      int64
	Operations int64
	PerSecond  float64
	Keys       map[string]int64
}

// Collection is a sliding-window throughput counter.
type Collection struct {
	mu     sync.Mutex
	window time.Duration
	width  int64 // slot width in nanoseconds
	slots  int
	clock  func() time.Time
	total  ring
	keyed  map[string]ring
}

// New creates a Collection covering window split into slots, non-positive
// arguments fall back to DefaultWindow and DefaultSlots.
func New(window time.Duration, slots int, opts ...Option) *Collection {
	options := new(Options)
	for _, opt := range opts {
		opt(options)
	}
	if options.Clock == nil {
		options.Clock = time.Now
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if slots <= 0 {
		slots = DefaultSlots
	}
	width := int64(window) / int64(slots)
	if width == 0 {
		width, slots = int64(window), 1
	}
	return &Collection{
		window: time.Duration(width * int64(slots)),
		width:  width,
		slots:  slots,
		clock:  options.Clock,
		total:  make(ring, slots),
		keyed:  make(map[string]ring),
	}
}

// Window returns the effective span of the sliding window.
func (c *Collection) Window() time.Duration {
	return c.window
}

func (c *Collection) epoch() int64 {
	// Epoch 0 is the zero value of an unused slot, shift by one so that
	// a clock starting at the Unix epoch is still counted.
	return c.clock().UnixNano()/c.width + 1
}

// Record adds n bytes and one operation to the current slot.
func (c *Collection) Record(n int64) {
	c.mu.Lock()
	c.total.add(c.epoch(), n)
	c.mu.Unlock()
}

// RecordKey is like Record but also accounts n into the sub-rate named key.
func (c *Collection) RecordKey(key string, n int64) {
	c.mu.Lock()
	epoch := c.epoch()
	c.total.add(epoch, n)
	r, ok := c.keyed[key]
	if !ok {
		r = make(ring, c.slots)
		c.keyed[key] = r
	}
	r.add(epoch, n)
	c.mu.Unlock()
}

// CurrentRate returns the number of bytes recorded within the window.
func (c *Collection) CurrentRate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	bytes, _ := c.total.sum(c.epoch())
	return bytes
}

// Operations returns the number of Record calls within the window.
func (c *Collection) Operations() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ops := c.total.sum(c.epoch())
	return ops
}

// PerSecond returns CurrentRate normalized to bytes per second.
func (c *Collection) PerSecond() float64 {
	return float64(c.CurrentRate()) / c.window.Seconds()
}

// Rate returns the number of bytes recorded under key within the window.
func (c *Collection) Rate(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.keyed[key]
	if !ok {
		return 0
	}
	bytes, _ := r.sum(c.epoch())
	return bytes
}

// Keys returns the sorted names of the sub-rates seen so far.
func (c *Collection) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.keyed))
	for k := range c.keyed {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Snapshot returns the aggregate and keyed counters at once.
func (c *Collection) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	epoch := c.epoch()
	var st Stats
	st.Bytes, st.Operations = c.total.sum(epoch)
	st.PerSecond = float64(st.Bytes) / c.window.Seconds()
	st.Keys = make(map[string]int64, len(c.keyed))
	for k, r := range c.keyed {
		st.Keys[k], _ = r.sum(epoch)
	}
	return st
}

// Reset discards every counter.
func (c *Collection) Reset() {
	c.mu.Lock()
	c.total.reset()
	for k := range c.keyed {
		delete(c.keyed, k)
	}
	c.mu.Unlock()
}
