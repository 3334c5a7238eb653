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

//go:build darwin || dragonfly || freebsd

package netpoll

import (
	"errors"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/panjf2000/fdpool/internal/queue"
	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/logging"
)

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd             int
	wakeupCall     int32
	asyncTaskQueue queue.AsyncTaskQueue
	logger         logging.Logger
}

// OpenPoller instantiates a poller.
func OpenPoller(logger logging.Logger) (poller *Poller, err error) {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	poller = &Poller{logger: logger}
	if poller.fd, err = unix.Kqueue(); err != nil {
		poller = nil
		err = os.NewSyscallError("kqueue", err)
		return
	}
	if _, err = unix.Kevent(poller.fd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("kevent add|clear", err)
		return
	}
	poller.asyncTaskQueue = queue.NewLockFreeQueue()
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

var note = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

func (p *Poller) wakePoller() error {
	for {
		_, err := unix.Kevent(p.fd, note, nil, nil)
		if err == unix.EINTR {
			// All changes contained in the changelist should have been applied
			// before returning EINTR, retry it anyway to be sure.
			continue
		}
		if err == nil || err == unix.EAGAIN {
			return nil
		}
		return os.NewSyscallError("kevent trigger", err)
	}
}

// Polling blocks the current goroutine, waiting for I/O events and handing
// them to handler batch by batch.
func (p *Poller) Polling(handler BatchHandler) error {
	el := newEventList(InitPollEventsCap)
	batch := make([]Event, 0, InitPollEventsCap)

	var (
		ts       unix.Timespec
		tsp      *unix.Timespec
		doChores bool
		spin     bool
	)
	for {
		n, err := unix.Kevent(p.fd, nil, el.events, tsp)
		if n < 0 && err == unix.EINTR {
			continue
		} else if err != nil {
			p.logger.Errorf("error occurs in kqueue: %v", os.NewSyscallError("kevent wait", err))
			return err
		}
		if n == 0 && !spin {
			tsp = nil
			runtime.Gosched()
			continue
		}
		tsp = &ts

		batch = batch[:0]
		for i := 0; i < n; i++ {
			ev := &el.events[i]
			if ev.Filter == unix.EVFILT_USER {
				doChores = true
				continue
			}
			batch = append(batch, Event{FD: int(ev.Ident), Readiness: readiness(ev)})
		}

		if len(batch) > 0 || spin {
			spin, err = handler(batch)
			if errors.Is(err, errorx.ErrLoopShutdown) {
				return err
			}
		}

		if doChores {
			doChores = false
			if err = p.runTasks(); err != nil {
				return err
			}
			// Tasks may have registered descriptors only the handler knows about.
			spin = true
		}

		if n == el.size {
			el.expand()
		} else if n < el.size>>1 {
			el.shrink()
		}
	}
}

func (p *Poller) change(fd int, filter, flags int, name string) error {
	var ev [1]unix.Kevent_t
	unix.SetKevent(&ev[0], fd, filter, flags)
	_, err := unix.Kevent(p.fd, ev[:], nil, nil)
	return os.NewSyscallError(name, err)
}

// AddRead registers the given file-descriptor with readable event to the poller.
func (p *Poller) AddRead(fd int) error {
	return p.change(fd, unix.EVFILT_READ, unix.EV_ADD, "kevent add")
}

// AddWrite registers the given file-descriptor with writable event to the poller.
func (p *Poller) AddWrite(fd int) error {
	return p.change(fd, unix.EVFILT_WRITE, unix.EV_ADD, "kevent add")
}

// ModRead switches the given file-descriptor from writable to readable event.
func (p *Poller) ModRead(fd int) error {
	if err := p.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE, "kevent delete"); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return p.AddRead(fd)
}

// ModWrite switches the given file-descriptor from readable to writable event.
func (p *Poller) ModWrite(fd int) error {
	if err := p.change(fd, unix.EVFILT_READ, unix.EV_DELETE, "kevent delete"); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return p.AddWrite(fd)
}

// AddParked registers the given file-descriptor without watching any event,
// kqueue has nothing to do until a filter is added.
func (p *Poller) AddParked(int) error {
	return nil
}

// Park stops watching the given file-descriptor.
func (p *Poller) Park(fd int) error {
	return p.Delete(fd)
}

// Delete removes the given file-descriptor from the poller.
func (p *Poller) Delete(fd int) error {
	// At most one of the filters is armed at a time.
	for _, filter := range []int{unix.EVFILT_READ, unix.EVFILT_WRITE} {
		if err := p.change(fd, filter, unix.EV_DELETE, "kevent delete"); err != nil && !errors.Is(err, unix.ENOENT) {
			return err
		}
	}
	return nil
}
