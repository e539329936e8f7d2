// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package reactor

import (
	"log"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// fakeBackend is a minimal in-memory Backend used to exercise EventLoop
// without touching any real multiplexer syscall.
type fakeBackend struct {
	added    map[int]EventKind
	removed  []int
	modified []int
	queued   []Event
	closed   bool
	waitErr  error
	addErr   error
	wakeups  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{added: make(map[int]EventKind)}
}

func (b *fakeBackend) Add(fd int, kind EventKind) error {
	if b.addErr != nil {
		return b.addErr
	}
	b.added[fd] = kind
	return nil
}

func (b *fakeBackend) Modify(fd int, kind EventKind) error {
	b.added[fd] = kind
	b.modified = append(b.modified, fd)
	return nil
}

func (b *fakeBackend) Remove(fd int, kind EventKind) error {
	delete(b.added, fd)
	b.removed = append(b.removed, fd)
	return nil
}

func (b *fakeBackend) Wait(time.Duration) ([]Event, error) {
	if b.waitErr != nil {
		return nil, b.waitErr
	}
	events := b.queued
	b.queued = nil
	return events, nil
}

func (b *fakeBackend) Wakeup() error {
	b.wakeups++
	return nil
}

func (b *fakeBackend) Close() error {
	b.closed = true
	return nil
}

func TestEventLoopRegisterThenDispatch(t *testing.T) {
	backend := newFakeBackend()
	loop := NewEventLoop(backend, nil)

	var got int
	h := NewHandler(func(fd int) { got = fd }, nil, nil)
	loop.RegisterHandler(7, Read, h)

	loop.applyPendingOps()
	if kind, ok := backend.added[7]; !ok || !kind.Has(Read) {
		t.Fatalf("expected fd 7 added with Read, got %+v", backend.added)
	}

	backend.queued = []Event{{Fd: 7, Kind: Read}}
	events, err := backend.Wait(0)
	if err != nil {
		t.Fatal(err)
	}
	loop.dispatch(events)
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
}

func TestEventLoopUnregisterSchedulesClose(t *testing.T) {
	backend := newFakeBackend()
	loop := NewEventLoop(backend, nil)
	h := NewHandler(nil, nil, nil)
	loop.RegisterHandler(9, Read, h)
	loop.applyPendingOps()

	loop.UnregisterHandler(9, Read)
	loop.applyPendingOps()

	if loop.reg.has(9) {
		t.Error("expected fd 9 gone from the registry after unregister")
	}
	if len(loop.closes) != 1 || loop.closes[0] != 9 {
		t.Errorf("expected fd 9 queued for close, got %+v", loop.closes)
	}
}

func TestEventLoopRegisterIsModifyOnSecondCall(t *testing.T) {
	backend := newFakeBackend()
	loop := NewEventLoop(backend, nil)
	h := NewHandler(nil, nil, nil)
	loop.RegisterHandler(4, Read, h)
	loop.applyPendingOps()
	loop.RegisterHandler(4, Read|Write, h)
	loop.applyPendingOps()

	if kind := backend.added[4]; !kind.Has(Read) || !kind.Has(Write) {
		t.Errorf("expected fd 4 to end up watching Read|Write, got %s", kind)
	}
	if len(backend.modified) != 1 || backend.modified[0] != 4 {
		t.Errorf("expected exactly one Modify for fd 4, got %+v", backend.modified)
	}
}

// TestEventLoopDispatchesCombinedKindAgainstPerKindRegistry reproduces the
// SelectBackend path where one Event reports two kinds ready at once (e.g.
// a connection that is both readable and still draining a pending write).
// perKindRegistry only ever holds single-bit slots, so dispatch must probe
// Read, Write, and Exception independently rather than look up the
// combined Read|Write value as one key.
func TestEventLoopDispatchesCombinedKindAgainstPerKindRegistry(t *testing.T) {
	backend := newFakeBackend()
	loop := &EventLoop{backend: backend, reg: newPerKindRegistry(), logger: log.Default()}

	var gotRead, gotWrite int
	hr := NewHandler(func(fd int) { gotRead = fd }, nil, nil)
	hw := NewHandler(nil, func(fd int) { gotWrite = fd }, nil)
	loop.reg.set(11, Read, hr)
	loop.reg.set(11, Write, hw)

	loop.dispatch([]Event{{Fd: 11, Kind: Read | Write}})

	if gotRead != 11 {
		t.Errorf("expected OnRead to fire for fd 11, got %d", gotRead)
	}
	if gotWrite != 11 {
		t.Errorf("expected OnWrite to fire for fd 11, got %d", gotWrite)
	}
}

func TestEventLoopWaitErrorDoesNotStopTheLoop(t *testing.T) {
	backend := newFakeBackend()
	backend.waitErr = ErrClosed
	metrics := NewMetrics(nil)
	loop := NewEventLoop(backend, metrics)
	atomic.StoreInt32(&loop.running, 1)

	loop.tick()
	if metrics.WaitErrors == nil {
		t.Fatal("expected WaitErrors counter to exist")
	}
	var m dto.Metric
	if err := metrics.WaitErrors.Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("got %v wait errors, want 1", got)
	}
	if atomic.LoadInt32(&loop.running) != 1 {
		t.Error("expected the loop to keep running after a Wait error")
	}
}
