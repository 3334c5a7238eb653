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
	"errors"
	"sync/atomic"

	"github.com/panjf2000/fdpool/internal/queue"
	errorx "github.com/panjf2000/fdpool/pkg/errors"
)

// Trigger enqueues a task and wakes up the poller to run it on the polling goroutine.
// Tasks run in the order they were triggered, after the batch of I/O events
// that was being served when they arrived.
func (p *Poller) Trigger(fn queue.Func, arg any) error {
	if fn == nil {
		return errorx.ErrNilRunnable
	}
	task := queue.GetTask()
	task.Run, task.Arg = fn, arg
	p.asyncTaskQueue.Enqueue(task)
	if atomic.CompareAndSwapInt32(&p.wakeupCall, 0, 1) {
		return p.wakePoller()
	}
	return nil
}

// runTasks executes at most MaxAsyncTasksAtOneTime tasks and re-arms the wakeup
// when some are left behind.
func (p *Poller) runTasks() error {
	for i := 0; i < MaxAsyncTasksAtOneTime; i++ {
		task := p.asyncTaskQueue.Dequeue()
		if task == nil {
			break
		}
		err := task.Run(task.Arg)
		queue.PutTask(task)
		if errors.Is(err, errorx.ErrLoopShutdown) {
			return err
		}
	}
	atomic.StoreInt32(&p.wakeupCall, 0)
	if !p.asyncTaskQueue.IsEmpty() && atomic.CompareAndSwapInt32(&p.wakeupCall, 0, 1) {
		if err := p.wakePoller(); err != nil {
			p.logger.Errorf("failed to notify next round of event-loop for leftover tasks, %v", err)
		}
	}
	return nil
}
