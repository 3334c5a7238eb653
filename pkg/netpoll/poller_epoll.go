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

//go:build linux

package netpoll

import (
	"errors"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/panjf2000/fdpool/internal/queue"
	errorx "github.com/panjf2000/fdpool/pkg/errors"
	"github.com/panjf2000/fdpool/pkg/logging"
)

// Poller represents a poller which is in charge of monitoring file-descriptors.
type Poller struct {
	fd             int    // epoll fd
	efd            int    // eventfd
	efdBuf         []byte // efd buffer to read an 8-byte integer
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
	if poller.fd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		poller = nil
		err = os.NewSyscallError("epoll_create1", err)
		return
	}
	if poller.efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = poller.Close()
		poller = nil
		err = os.NewSyscallError("eventfd", err)
		return
	}
	poller.efdBuf = make([]byte, 8)
	if err = poller.AddRead(poller.efd); err != nil {
		_ = poller.Close()
		poller = nil
		return
	}
	poller.asyncTaskQueue = queue.NewLockFreeQueue()
	return
}

// Close closes the poller.
func (p *Poller) Close() error {
	if p.efd > 0 {
		_ = unix.Close(p.efd)
	}
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

func (p *Poller) wakePoller() error {
	for {
		_, err := unix.Write(p.efd, b)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			// The counter is saturated, drain it and try again.
			_, _ = unix.Read(p.efd, p.efdBuf)
			continue
		default:
			return os.NewSyscallError("write", err)
		}
	}
}

func (p *Poller) drainWakeupEvent() {
	_, _ = unix.Read(p.efd, p.efdBuf)
}

// Polling blocks the current goroutine, waiting for I/O events and handing
// them to handler batch by batch.
func (p *Poller) Polling(handler BatchHandler) error {
	el := newEventList(InitPollEventsCap)
	batch := make([]Event, 0, InitPollEventsCap)
	var (
		doChores bool
		spin     bool
	)

	msec := -1
	for {
		n, err := unix.EpollWait(p.fd, el.events, msec)
		if n < 0 && err == unix.EINTR {
			continue
		} else if err != nil {
			p.logger.Errorf("error occurs in epoll: %v", os.NewSyscallError("epoll_wait", err))
			return err
		}
		if n == 0 && !spin {
			msec = -1
			runtime.Gosched()
			continue
		}
		msec = 0

		batch = batch[:0]
		for i := 0; i < n; i++ {
			ev := &el.events[i]
			if fd := int(ev.Fd); fd == p.efd {
				doChores = true
			} else {
				batch = append(batch, Event{FD: fd, Readiness: readiness(ev.Events)})
			}
		}

		if len(batch) > 0 || spin {
			spin, err = handler(batch)
			if errors.Is(err, errorx.ErrLoopShutdown) {
				return err
			}
		}

		if doChores {
			doChores = false
			p.drainWakeupEvent()
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

func (p *Poller) ctl(op, fd int, events uint32, name string) error {
	return os.NewSyscallError(name,
		unix.EpollCtl(p.fd, op, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

// AddRead registers the given file-descriptor with readable event to the poller.
func (p *Poller) AddRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ReadEvents, "epoll_ctl add")
}

// AddWrite registers the given file-descriptor with writable event to the poller.
func (p *Poller) AddWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, WriteEvents, "epoll_ctl add")
}

// ModRead renews the given file-descriptor with readable event in the poller.
func (p *Poller) ModRead(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, ReadEvents, "epoll_ctl mod")
}

// ModWrite renews the given file-descriptor with writable event in the poller.
func (p *Poller) ModWrite(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, WriteEvents, "epoll_ctl mod")
}

// AddParked registers the given file-descriptor to the poller without watching any event.
func (p *Poller) AddParked(fd int) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, ParkedEvents, "epoll_ctl add")
}

// Park stops watching the given file-descriptor but keeps it in the poller.
func (p *Poller) Park(fd int) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, ParkedEvents, "epoll_ctl mod")
}

// Delete removes the given file-descriptor from the poller.
func (p *Poller) Delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil))
}
