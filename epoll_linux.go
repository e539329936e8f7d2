// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// EpollBackend is the edge-triggered reactor built on epoll plus an
// eventfd-based wakeup descriptor for cross-thread submission. Registration
// is one handler per fd covering all requested kinds.
type EpollBackend struct {
	epfd   *fileDescriptor
	wakeFd *fileDescriptor
	events []unix.EpollEvent
}

// NewEpollBackend creates the epoll instance and its wakeup eventfd, and
// registers the wakeup fd for edge-triggered read readiness.
func NewEpollBackend(maxEvents int) (*EpollBackend, error) {
	if maxEvents < 1 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	b := &EpollBackend{epfd: newFileDescriptor(epfd), wakeFd: newFileDescriptor(wakeFd), events: make([]unix.EpollEvent, maxEvents)}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}
	return b, nil
}

func toEpollEvents(kind EventKind) uint32 {
	var e uint32
	if kind.Has(Read) {
		e |= unix.EPOLLIN
	}
	if kind.Has(Write) {
		e |= unix.EPOLLOUT
	}
	if kind.Has(Exception) {
		e |= unix.EPOLLERR | unix.EPOLLHUP
	}
	if kind.Has(Hangup) {
		e |= unix.EPOLLHUP
	}
	if kind.Has(EdgeTriggered) {
		e |= unix.EPOLLET
	}
	return e
}

// Add registers fd. If the kernel reports EEXIST (the fd is already armed),
// it is retried as Modify so that RegisterHandler stays idempotent over
// identity.
func (b *EpollBackend) Add(fd int, kind EventKind) error {
	ev := unix.EpollEvent{Events: toEpollEvents(kind), Fd: int32(fd)}
	err := unix.EpollCtl(b.epfd.get(), unix.EPOLL_CTL_ADD, fd, &ev)
	if err == unix.EEXIST {
		return unix.EpollCtl(b.epfd.get(), unix.EPOLL_CTL_MOD, fd, &ev)
	}
	return err
}

// Modify re-arms fd with a new kind.
func (b *EpollBackend) Modify(fd int, kind EventKind) error {
	ev := unix.EpollEvent{Events: toEpollEvents(kind), Fd: int32(fd)}
	return unix.EpollCtl(b.epfd.get(), unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove fully detaches fd; kind is ignored since this backend keys its
// interest set by fd alone.
func (b *EpollBackend) Remove(fd int, _ EventKind) error {
	err := unix.EpollCtl(b.epfd.get(), unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// Wait blocks in epoll_wait. A readiness record on the wakeup fd is drained
// to EAGAIN and reported as a synthetic Event{Wakeup:true}; all other
// records are translated to (fd, kind).
func (b *EpollBackend) Wait(timeout time.Duration) ([]Event, error) {
	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}
	var n int
	var err error
	for {
		n, err = unix.EpollWait(b.epfd.get(), b.events, ms)
		if err == unix.EINTR {
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
		fd := int(ev.Fd)
		if fd == b.wakeFd.get() {
			b.drainWakeup()
			events = append(events, Event{Wakeup: true})
			continue
		}
		var kind EventKind
		if ev.Events&unix.EPOLLIN != 0 {
			kind |= Read
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			kind |= Write
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			kind |= Exception
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			kind |= Hangup
		}
		events = append(events, Event{Fd: fd, Kind: kind})
	}
	return events, nil
}

func (b *EpollBackend) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakeFd.get(), buf[:])
		if err != nil {
			return
		}
	}
}

// Wakeup writes a single coalescing counter bump to the eventfd, making the
// next or current Wait return promptly. Any number of concurrent Wakeup
// calls between ticks coalesce into at most one extra wake, since eventfd
// sums writes into its counter rather than queuing them.
func (b *EpollBackend) Wakeup() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(b.wakeFd.get(), buf[:])
	if err == unix.EAGAIN {
		// The eventfd counter is already non-zero and about to overflow;
		// a wake is already pending, which is exactly what we want.
		return nil
	}
	return err
}

// Close releases both descriptors.
func (b *EpollBackend) Close() error {
	err1 := b.wakeFd.close()
	err2 := b.epfd.close()
	if err1 != nil {
		return err1
	}
	return err2
}
