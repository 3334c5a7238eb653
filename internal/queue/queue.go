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

// Package queue delivers the task queue that carries work from arbitrary
// goroutines onto the event-loop goroutine.
//
// The queue implements the non-blocking concurrent queue of Maged M. Michael
// and Michael L. Scott (PODC 1996, https://dl.acm.org/doi/10.1145/248052.248106):
// producers link a node behind the tail with CAS and swing the tail forward,
// the consumer swings the head forward once it has read the value of the
// node following the dummy head.
package queue

import (
	"sync"
	"sync/atomic"
)

// Func is the callback function executed by the event-loop.
type Func func(any) error

// Task is a wrapper that contains function and its argument.
type Task struct {
	Run Func
	Arg any
}

var taskPool = sync.Pool{New: func() any { return new(Task) }}

// GetTask gets a cached Task from pool.
func GetTask() *Task {
	return taskPool.Get().(*Task)
}

// PutTask puts the trashy Task back in pool.
func PutTask(task *Task) {
	task.Run, task.Arg = nil, nil
	taskPool.Put(task)
}

// AsyncTaskQueue is a queue storing asynchronous tasks.
type AsyncTaskQueue interface {
	Enqueue(*Task)
	Dequeue() *Task
	IsEmpty() bool
	Length() int32
}

type node struct {
	value *Task
	next  atomic.Pointer[node]
}

// lockFreeQueue is a multi-producer queue with no lock.
type lockFreeQueue struct {
	head   atomic.Pointer[node]
	tail   atomic.Pointer[node]
	length atomic.Int32
}

// NewLockFreeQueue instantiates and returns a lock-free AsyncTaskQueue.
func NewLockFreeQueue() AsyncTaskQueue {
	q := new(lockFreeQueue)
	dummy := new(node)
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

// Enqueue puts the given task at the tail of the queue.
func (q *lockFreeQueue) Enqueue(task *Task) {
	n := &node{value: task}
	for {
		tail := q.tail.Load()
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is falling behind, help it forward.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.length.Add(1)
			return
		}
	}
}

// Dequeue removes and returns the task at the head of the queue.
// It returns nil if the queue is empty.
func (q *lockFreeQueue) Dequeue() *Task {
	for {
		head := q.head.Load()
		tail := q.tail.Load()
		next := head.next.Load()
		if head != q.head.Load() {
			continue
		}
		if head == tail {
			if next == nil {
				return nil
			}
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		// Read the value before the CAS, another dequeue might recycle the node.
		task := next.value
		if q.head.CompareAndSwap(head, next) {
			next.value = nil
			q.length.Add(-1)
			return task
		}
	}
}

// IsEmpty indicates whether this queue is empty or not.
func (q *lockFreeQueue) IsEmpty() bool {
	return q.length.Load() == 0
}

// Length returns the number of tasks in the queue.
func (q *lockFreeQueue) Length() int32 {
	return q.length.Load()
}
