// Copyright (c) 2020 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package reactor

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"

	"github.com/hslam/buffer"
	"github.com/hslam/reuse"
)

// cannedResponse is the byte-exact HTTP/1.1 response every connection
// receives once its request carries a complete CRLFCRLF. No request
// method, URI, header, or body is parsed.
var cannedResponse = []byte(
	"HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/html\r\n" +
		"Content-Length: 13\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"Hello, World!")

var crlfcrlf = []byte("\r\n\r\n")

// connState is the mutable per-connection state held across OnRead/OnWrite
// calls: the accumulated request bytes and any unsent tail of the response.
type connState struct {
	recv []byte // accumulated request bytes, grown across OnRead calls
	// pending is the unsent tail of the canned response after a short
	// write. Non-nil exactly when a response is in flight, which also
	// suppresses further reads until the write finishes (see onReadable).
	pending []byte
	closing bool
}

// Acceptor is the non-blocking HTTP acceptor that drives an EventLoop: it
// owns the listening socket, accepts connections until EAGAIN, and serves
// the fixed canned response once each connection's request carries a
// complete CRLFCRLF.
type Acceptor struct {
	loop    *EventLoop
	cfg     Config
	metrics *Metrics
	logger  *log.Logger

	ln         net.Listener
	listenerFd int

	mu    sync.Mutex
	conns map[int]*connState

	chunkPool *buffer.Pool // non-nil only when cfg.SharedBuffers
}

// NewAcceptor constructs an Acceptor bound to loop. It does not listen
// until Start is called.
func NewAcceptor(loop *EventLoop, cfg Config, metrics *Metrics) *Acceptor {
	cfg = cfg.withDefaults()
	a := &Acceptor{
		loop:    loop,
		cfg:     cfg,
		metrics: metrics,
		logger:  log.Default(),
		conns:   make(map[int]*connState),
	}
	if cfg.SharedBuffers {
		a.chunkPool = buffer.AssignPool(cfg.BufferSize)
	}
	return a
}

// Start creates the listening socket on the given port, sets SO_REUSEADDR
// (via github.com/hslam/reuse) and non-blocking mode, registers it with the
// loop for Read|EdgeTriggered readiness, and returns. The caller still
// needs to invoke loop.Loop() itself.
func (a *Acceptor) Start(port int) error {
	lc := net.ListenConfig{Control: reuse.Control}
	ln, err := lc.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return fmt.Errorf("reactor: unexpected listener type %T", ln)
	}
	file, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return err
	}
	// File() returns a dup'd fd; the net.Listener is kept only to satisfy
	// Close() bookkeeping, the dup'd fd is the one actually registered and
	// driven non-blocking from here on.
	fd := int(file.Fd())
	if err := syscall.SetNonblock(fd, true); err != nil {
		file.Close()
		ln.Close()
		return err
	}
	// net.Listen already called listen(2) with its own backlog; POSIX
	// permits calling it again on a listening socket purely to change the
	// queue length, which is how Config.Backlog is actually honored.
	if err := syscall.Listen(fd, a.cfg.Backlog); err != nil {
		file.Close()
		ln.Close()
		return err
	}
	a.ln = ln
	a.listenerFd = fd

	handler := NewHandler(a.onAcceptable, nil, a.onListenerException)
	a.loop.RegisterHandler(fd, Read|EdgeTriggered, handler)
	return nil
}

// Close unregisters and closes the listening socket. It does not tear down
// already-accepted connections; those continue to be driven by the loop
// until each completes or disconnects on its own — there is no
// graceful-shutdown draining of in-flight connections.
func (a *Acceptor) Close() error {
	a.loop.UnregisterHandler(a.listenerFd, Read)
	if a.ln != nil {
		return a.ln.Close()
	}
	return nil
}

// onAcceptable drains accept() until EAGAIN/EWOULDBLOCK.
func (a *Acceptor) onAcceptable(fd int) {
	for {
		cfd, _, err := syscall.Accept(fd)
		if err != nil {
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				return
			}
			a.logger.Printf("reactor: accept failed: %v", err)
			return
		}
		syscall.CloseOnExec(cfd)
		if err := syscall.SetNonblock(cfd, true); err != nil {
			a.logger.Printf("reactor: set nonblock on accepted fd=%d failed: %v", cfd, err)
			syscall.Close(cfd)
			continue
		}
		a.mu.Lock()
		a.conns[cfd] = &connState{}
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.Accepted.Inc()
		}
		handler := NewHandler(a.onReadable, a.onWritable, a.onConnException)
		a.loop.RegisterHandler(cfd, Read|EdgeTriggered, handler)
	}
}

func (a *Acceptor) onListenerException(fd int) {
	a.logger.Printf("reactor: listener fd=%d reported an exception", fd)
}

// onReadable reads 4 KiB chunks into the connection's accumulated buffer
// until EAGAIN, end-of-stream, or a complete CRLFCRLF is found. Reading
// stops the instant the response is sent, since the connection is torn
// down right after.
func (a *Acceptor) onReadable(fd int) {
	conn := a.lookup(fd)
	if conn == nil {
		return
	}
	if conn.pending != nil {
		// A response is already in flight for this connection; further
		// request bytes are ignored until the write finishes, otherwise a
		// second CRLFCRLF match here would re-issue the full response from
		// byte 0 onto a socket that hasn't finished flushing the first one.
		return
	}
	chunk := a.getChunk()
	defer a.putChunk(chunk)
	for {
		n, err := syscall.Read(fd, chunk)
		if n > 0 {
			conn.recv = append(conn.recv, chunk[:n]...)
			if bytes.Contains(conn.recv, crlfcrlf) {
				a.respond(fd, conn)
				return
			}
			continue
		}
		if n == 0 {
			a.teardown(fd)
			return
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		a.logger.Printf("reactor: read fd=%d failed: %v", fd, err)
		a.teardown(fd)
		return
	}
}

// respond writes the canned response. A short write is retained and
// finished from onWritable once the fd reports writable.
func (a *Acceptor) respond(fd int, conn *connState) {
	n, err := syscall.Write(fd, cannedResponse)
	if err != nil && err != syscall.EAGAIN && err != syscall.EWOULDBLOCK {
		a.logger.Printf("reactor: write fd=%d failed: %v", fd, err)
		a.teardown(fd)
		return
	}
	if n < 0 {
		n = 0 // EAGAIN: nothing was written
	}
	if n >= len(cannedResponse) {
		a.teardown(fd)
		return
	}
	conn.pending = append([]byte(nil), cannedResponse[n:]...)
	handler := NewHandler(a.onReadable, a.onWritable, a.onConnException)
	a.loop.RegisterHandler(fd, Read|Write|EdgeTriggered, handler)
}

// onWritable flushes a previously short-written response.
func (a *Acceptor) onWritable(fd int) {
	conn := a.lookup(fd)
	if conn == nil || len(conn.pending) == 0 {
		return
	}
	n, err := syscall.Write(fd, conn.pending)
	if err != nil && err != syscall.EAGAIN && err != syscall.EWOULDBLOCK {
		a.logger.Printf("reactor: write fd=%d failed: %v", fd, err)
		a.teardown(fd)
		return
	}
	if n < 0 {
		n = 0 // EAGAIN: nothing was written
	}
	conn.pending = conn.pending[n:]
	if len(conn.pending) == 0 {
		a.teardown(fd)
	}
}

func (a *Acceptor) onConnException(fd int) {
	a.teardown(fd)
}

func (a *Acceptor) lookup(fd int) *connState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[fd]
}

// teardown unregisters fd, drops its buffer, and schedules the close —
// UnregisterHandler itself enqueues the close.
func (a *Acceptor) teardown(fd int) {
	a.mu.Lock()
	conn, ok := a.conns[fd]
	if ok {
		delete(a.conns, fd)
	}
	a.mu.Unlock()
	if !ok || conn.closing {
		return
	}
	conn.closing = true
	a.loop.UnregisterHandler(fd, Read|Write|Exception)
	if a.metrics != nil {
		a.metrics.TornDown.Inc()
	}
}

func (a *Acceptor) getChunk() []byte {
	if a.chunkPool != nil {
		return a.chunkPool.GetBuffer(a.cfg.BufferSize)
	}
	return make([]byte, a.cfg.BufferSize)
}

func (a *Acceptor) putChunk(b []byte) {
	if a.chunkPool != nil {
		a.chunkPool.PutBuffer(b) //nolint:staticcheck // pool element, not escaping to caller
	}
}
