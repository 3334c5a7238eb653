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

package fdpool

import (
	"time"

	"github.com/panjf2000/fdpool/pkg/logging"
	"github.com/panjf2000/fdpool/pkg/rate"
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

// Options are configurations for a pool.
type Options struct {
	// EventPriority is the initial default priority descriptors are served at,
	// lower values are served first.
	EventPriority int

	// MaxDescriptors bounds the number of live descriptors in the pool,
	// zero means no bound.
	MaxDescriptors int

	// Stats receives the bytes moved by every transfer, nil disables accounting.
	Stats *rate.Collection

	// AdmissionRates enables admission control: a descriptor accepts at most
	// AdmissionRates[d] transfers within any window of duration d, submissions
	// beyond that fail with errors.ErrRateLimited. Durations and counts must be
	// positive, and longer windows must allow more transfers at a lower rate.
	AdmissionRates map[time.Duration]int

	// Logger is the customized logger for logging info, if it is not set,
	// then the default logger from the logging package is used.
	Logger logging.Logger
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithEventPriority sets up the initial default event priority.
func WithEventPriority(priority int) Option {
	return func(opts *Options) {
		opts.EventPriority = priority
	}
}

// WithMaxDescriptors bounds the number of live descriptors.
func WithMaxDescriptors(n int) Option {
	return func(opts *Options) {
		opts.MaxDescriptors = n
	}
}

// WithStats attaches a rate collection.
func WithStats(stats *rate.Collection) Option {
	return func(opts *Options) {
		opts.Stats = stats
	}
}

// WithAdmissionRates enables per-descriptor admission control.
func WithAdmissionRates(rates map[time.Duration]int) Option {
	return func(opts *Options) {
		opts.AdmissionRates = rates
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}
