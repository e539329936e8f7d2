// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package reactor

import (
	"log"
	"sync"
	"sync/atomic"
)

// pendingOp is a tagged REGISTER/UNREGISTER value queued for application on
// the loop goroutine.
type pendingOp struct {
	register bool
	fd       int
	kind     EventKind
	handler  Handler
}

// EventLoop is the user-facing façade: it owns a Backend, a handler
// registry, a pending-operation queue, and a deferred-close list, and
// exposes RegisterHandler/UnregisterHandler/CloseFdSafely/Loop/Stop.
type EventLoop struct {
	backend Backend
	reg     registry
	metrics *Metrics
	logger  *log.Logger

	opsMu sync.Mutex
	ops   []pendingOp

	// closes is mutated only on the loop goroutine: by applyPendingOps and
	// by CloseFdSafely, which is only ever called from inside a Handler
	// callback, and handler callbacks only ever run on the loop goroutine.
	closes []int

	running int32
}

// NewEventLoop wraps backend in an EventLoop, choosing the registry shape
// that matches the backend's own asymmetric contract: SelectBackend keys by
// (fd, kind); everything else (EpollBackend, on any GOOS) keys by fd alone.
func NewEventLoop(backend Backend, metrics *Metrics) *EventLoop {
	var reg registry
	if _, ok := backend.(*SelectBackend); ok {
		reg = newPerKindRegistry()
	} else {
		reg = newPerFDRegistry()
	}
	return &EventLoop{
		backend: backend,
		reg:     reg,
		metrics: metrics,
		logger:  log.Default(),
	}
}

// NewEpollEventLoop builds this platform's edge-triggered backend — epoll on
// linux, kqueue on BSD — sized to hold cfg.MaxEvents readiness records per
// Wait call, and wraps it in an EventLoop.
func NewEpollEventLoop(cfg Config, metrics *Metrics) (*EventLoop, error) {
	cfg = cfg.withDefaults()
	backend, err := NewEpollBackend(cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	return NewEventLoop(backend, metrics), nil
}

// RegisterHandler enqueues a REGISTER operation and wakes the backend. Safe
// to call from any goroutine on an EpollBackend-driven loop; on a
// SelectBackend-driven loop this must be called from the loop goroutine
// itself, since SelectBackend has no cross-thread wakeup.
func (l *EventLoop) RegisterHandler(fd int, kind EventKind, h Handler) {
	l.opsMu.Lock()
	l.ops = append(l.ops, pendingOp{register: true, fd: fd, kind: kind, handler: h})
	l.opsMu.Unlock()
	if err := l.backend.Wakeup(); err != nil {
		l.logger.Printf("reactor: wakeup after register fd=%d failed: %v", fd, err)
	}
}

// UnregisterHandler enqueues an UNREGISTER operation and wakes the backend.
// The fd is additionally scheduled for close at the end of the tick that
// applies this operation: unregister always implies close in this façade,
// applied uniformly across both backends even though only epoll/kqueue
// bundle the two at the syscall level.
func (l *EventLoop) UnregisterHandler(fd int, kind EventKind) {
	l.opsMu.Lock()
	l.ops = append(l.ops, pendingOp{register: false, fd: fd, kind: kind})
	l.opsMu.Unlock()
	if err := l.backend.Wakeup(); err != nil {
		l.logger.Printf("reactor: wakeup after unregister fd=%d failed: %v", fd, err)
	}
}

// CloseFdSafely appends fd to the deferred-close list without touching the
// interest set, for fds the caller has already unregistered or that were
// never registered. Loop-goroutine-only.
func (l *EventLoop) CloseFdSafely(fd int) {
	l.closes = append(l.closes, fd)
}

// Loop runs ticks — apply pending ops, wait, dispatch, close — until Stop
// is called. It returns nil when running is cleared; Backend.Wait errors
// other than EINTR (already retried inside the backend) are logged and the
// loop continues to the next tick.
func (l *EventLoop) Loop() error {
	atomic.StoreInt32(&l.running, 1)
	for atomic.LoadInt32(&l.running) != 0 {
		l.tick()
	}
	return nil
}

// Stop clears the running flag. Safe to call from any goroutine or a signal
// handler. On a SelectBackend-driven loop this alone does not preempt a
// currently blocked Wait; the caller must arrange its own interruption if
// prompt shutdown matters. On an EpollBackend-driven loop, pairing Stop with a
// Wakeup (e.g. via RegisterHandler/UnregisterHandler, or calling Wakeup
// directly through the backend) makes shutdown prompt.
func (l *EventLoop) Stop() {
	atomic.StoreInt32(&l.running, 0)
}

func (l *EventLoop) tick() {
	l.applyPendingOps()
	if l.metrics != nil {
		l.metrics.Ticks.Inc()
	}
	events, err := l.backend.Wait(0)
	if err != nil {
		if l.metrics != nil {
			l.metrics.WaitErrors.Inc()
		}
		l.logger.Printf("reactor: backend wait failed: %v", err)
		return
	}
	l.dispatch(events)
	l.closePending()
}

func (l *EventLoop) applyPendingOps() {
	l.opsMu.Lock()
	ops := l.ops
	l.ops = nil
	l.opsMu.Unlock()

	for _, op := range ops {
		if op.register {
			l.applyRegister(op)
		} else {
			l.applyUnregister(op)
		}
	}
}

func (l *EventLoop) applyRegister(op pendingOp) {
	// Add vs. modify is decided by prior presence in our own registry, not
	// by probing the kernel: a second RegisterHandler(fd, ...) for an fd we
	// already track is a refresh-in-place. EpollBackend.Add also handles
	// this defensively via its own EEXIST retry, for fds armed outside this
	// registry's knowledge.
	var err error
	if l.reg.has(op.fd) {
		err = l.backend.Modify(op.fd, op.kind)
	} else {
		err = l.backend.Add(op.fd, op.kind)
	}
	if err != nil {
		l.logger.Printf("reactor: register fd=%d kind=%s failed: %v", op.fd, op.kind, err)
		return
	}
	l.reg.set(op.fd, op.kind, op.handler)
}

func (l *EventLoop) applyUnregister(op pendingOp) {
	if !l.reg.has(op.fd) {
		l.logger.Printf("reactor: unregister fd=%d kind=%s: no handler registered", op.fd, op.kind)
		return
	}
	if err := l.backend.Remove(op.fd, op.kind); err != nil {
		l.logger.Printf("reactor: unregister fd=%d kind=%s failed: %v", op.fd, op.kind, err)
	}
	l.reg.remove(op.fd, op.kind)
	l.closes = append(l.closes, op.fd)
}

func (l *EventLoop) dispatch(events []Event) {
	for _, ev := range events {
		if ev.Wakeup {
			continue
		}
		// Look up per set bit rather than once on the combined kind: on
		// perFDRegistry all three lookups resolve to the same handler, but
		// on perKindRegistry a combined kind like Read|Write has no single
		// matching slot (only the individual Read and Write slots exist),
		// so a single combined-key lookup would silently drop the event.
		dispatched := false
		if ev.Kind.Has(Read) {
			if h, ok := l.reg.get(ev.Fd, Read); ok {
				h.OnRead(ev.Fd)
				dispatched = true
			}
		}
		if ev.Kind.Has(Write) {
			if h, ok := l.reg.get(ev.Fd, Write); ok {
				h.OnWrite(ev.Fd)
				dispatched = true
			}
		}
		if ev.Kind.Any(Exception | Hangup) {
			if h, ok := l.reg.get(ev.Fd, Exception); ok {
				h.OnException(ev.Fd)
				dispatched = true
			}
		}
		if !dispatched {
			l.logger.Printf("reactor: no handler for ready fd=%d kind=%s", ev.Fd, ev.Kind)
			continue
		}
		if l.metrics != nil {
			l.metrics.Dispatched.Inc()
		}
	}
}

func (l *EventLoop) closePending() {
	for _, fd := range l.closes {
		if err := closeFd(fd); err != nil {
			l.logger.Printf("reactor: close fd=%d failed: %v", fd, err)
		}
	}
	l.closes = l.closes[:0]
}
