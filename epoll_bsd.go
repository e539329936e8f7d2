// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package reactor

import (
	"syscall"
	"time"
)

// EpollBackend is the edge-triggered reactor's BSD/kqueue realization,
// exported under the same name and method set as the linux epoll
// realization so callers can stay GOOS-agnostic. kqueue has no eventfd
// analogue, so cross-thread wakeup uses a self-pipe instead.
type EpollBackend struct {
	kq        *fileDescriptor
	wakeRead  *fileDescriptor
	wakeWrite *fileDescriptor
	events    []syscall.Kevent_t
}

// NewEpollBackend creates the kqueue instance and a self-pipe wakeup pair,
// registering the pipe's read end for edge-triggered readability.
func NewEpollBackend(maxEvents int) (*EpollBackend, error) {
	if maxEvents < 1 {
		maxEvents = 1024
	}
	kq, err := syscall.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := syscall.Pipe(fds[:]); err != nil {
		syscall.Close(kq)
		return nil, err
	}
	syscall.CloseOnExec(kq)
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	if err := syscall.SetNonblock(fds[0], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		syscall.Close(kq)
		return nil, err
	}
	if err := syscall.SetNonblock(fds[1], true); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		syscall.Close(kq)
		return nil, err
	}
	b := &EpollBackend{kq: newFileDescriptor(kq), wakeRead: newFileDescriptor(fds[0]), wakeWrite: newFileDescriptor(fds[1]), events: make([]syscall.Kevent_t, maxEvents)}
	change := syscall.Kevent_t{Ident: uint64(fds[0]), Filter: syscall.EVFILT_READ, Flags: syscall.EV_ADD | syscall.EV_CLEAR}
	if _, err := syscall.Kevent(kq, []syscall.Kevent_t{change}, nil, nil); err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		syscall.Close(kq)
		return nil, err
	}
	return b, nil
}

// Add registers fd for read and/or write readiness. EdgeTriggered always
// applies (EV_CLEAR) since kqueue's one-shot level semantics for
// EVFILT_READ/WRITE are coalesced the same way either way here; Exception
// and Hangup surface through EV_EOF on the same filters rather than a
// distinct kqueue filter.
func (b *EpollBackend) Add(fd int, kind EventKind) error {
	return b.apply(fd, kind, syscall.EV_ADD|syscall.EV_CLEAR)
}

// Modify re-applies fd's watched filters.
func (b *EpollBackend) Modify(fd int, kind EventKind) error {
	return b.apply(fd, kind, syscall.EV_ADD|syscall.EV_CLEAR)
}

func (b *EpollBackend) apply(fd int, kind EventKind, flags uint16) error {
	changes := make([]syscall.Kevent_t, 0, 2)
	if kind.Has(Read) {
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_READ, Flags: flags})
	}
	if kind.Has(Write) {
		changes = append(changes, syscall.Kevent_t{Ident: uint64(fd), Filter: syscall.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := syscall.Kevent(b.kq.get(), changes, nil, nil)
	return err
}

// Remove detaches both filters for fd; kind is ignored since this backend
// keys its interest set by fd alone.
func (b *EpollBackend) Remove(fd int, _ EventKind) error {
	changes := []syscall.Kevent_t{
		{Ident: uint64(fd), Filter: syscall.EVFILT_READ, Flags: syscall.EV_DELETE},
		{Ident: uint64(fd), Filter: syscall.EVFILT_WRITE, Flags: syscall.EV_DELETE},
	}
	// Either filter may never have been armed; kqueue returns ENOENT for
	// the absent one, which is not a failure worth reporting here.
	syscall.Kevent(b.kq.get(), changes, nil, nil)
	return nil
}

// Wait blocks in kevent. A readiness record on the wakeup pipe is drained
// to EAGAIN and reported as a synthetic Event{Wakeup:true}.
func (b *EpollBackend) Wait(timeout time.Duration) ([]Event, error) {
	var ts *syscall.Timespec
	if timeout > 0 {
		t := syscall.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	var n int
	var err error
	for {
		n, err = syscall.Kevent(b.kq.get(), nil, b.events, ts)
		if err == syscall.EINTR {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := b.events[i]
		fd := int(ev.Ident)
		if fd == b.wakeRead.get() {
			b.drainWakeup()
			events = append(events, Event{Wakeup: true})
			continue
		}
		var kind EventKind
		switch ev.Filter {
		case syscall.EVFILT_READ:
			kind |= Read
		case syscall.EVFILT_WRITE:
			kind |= Write
		}
		if ev.Flags&syscall.EV_EOF != 0 {
			kind |= Hangup | Exception
		}
		events = append(events, Event{Fd: fd, Kind: kind})
	}
	return events, nil
}

func (b *EpollBackend) drainWakeup() {
	var buf [64]byte
	for {
		_, err := syscall.Read(b.wakeRead.get(), buf[:])
		if err != nil {
			return
		}
	}
}

// Wakeup writes a single byte to the pipe, making the next or current Wait
// return promptly. Any number of pending bytes drain in one Wait call, so
// concurrent Wakeup calls still cause at most one extra wake per tick.
func (b *EpollBackend) Wakeup() error {
	_, err := syscall.Write(b.wakeWrite.get(), []byte{1})
	if err == syscall.EAGAIN {
		// Pipe buffer is full of unread bytes; a wake is already queued.
		return nil
	}
	return err
}

// Close releases the kqueue descriptor and both pipe ends.
func (b *EpollBackend) Close() error {
	b.wakeRead.close()
	b.wakeWrite.close()
	return b.kq.close()
}
